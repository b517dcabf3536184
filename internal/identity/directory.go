package identity

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/rawblock/clarion/pkg/models"
)

// DirectoryConfig describes the pull-based directory source. The bind
// password is fetched per pull so credential rotation needs no restart.
type DirectoryConfig struct {
	URL        string // ldap:// or ldaps://
	BindDN     string
	Password   func() (string, error)
	BaseDN     string
	Filter     string // defaults to person objects
	PageSize   uint32
	GroupAttr  string
	DeptAttr   string
	TitleAttr  string
	SourceName string
}

// Puller performs full directory pulls and feeds snapshots to a resolver.
type Puller struct {
	cfg      DirectoryConfig
	resolver *Resolver
}

// NewPuller wires a directory source to a resolver.
func NewPuller(cfg DirectoryConfig, r *Resolver) *Puller {
	if cfg.Filter == "" {
		cfg.Filter = "(&(objectClass=person)(!(objectClass=computer)))"
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 500
	}
	if cfg.GroupAttr == "" {
		cfg.GroupAttr = "memberOf"
	}
	if cfg.DeptAttr == "" {
		cfg.DeptAttr = "department"
	}
	if cfg.TitleAttr == "" {
		cfg.TitleAttr = "title"
	}
	if cfg.SourceName == "" {
		cfg.SourceName = "ldap"
	}
	return &Puller{cfg: cfg, resolver: r}
}

// Pull performs one full directory sweep and installs the snapshot.
func (p *Puller) Pull(ctx context.Context) (int, error) {
	snap, err := p.fetch(ctx)
	if err != nil {
		return 0, err
	}
	p.resolver.ApplyDirectory(snap)
	log.Printf("[Directory] pulled %d principals from %s", len(snap.Users), p.cfg.URL)
	return len(snap.Users), nil
}

func (p *Puller) fetch(ctx context.Context) (models.DirectorySnapshot, error) {
	conn, err := ldap.DialURL(p.cfg.URL)
	if err != nil {
		return models.DirectorySnapshot{}, fmt.Errorf("directory dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(time.Until(deadline))
	}

	if p.cfg.BindDN != "" {
		pw := ""
		if p.cfg.Password != nil {
			pw, err = p.cfg.Password()
			if err != nil {
				return models.DirectorySnapshot{}, fmt.Errorf("directory credential: %w", err)
			}
		}
		if err := conn.Bind(p.cfg.BindDN, pw); err != nil {
			return models.DirectorySnapshot{}, fmt.Errorf("directory bind: %w", err)
		}
	}

	req := ldap.NewSearchRequest(
		p.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		p.cfg.Filter,
		[]string{"uid", "sAMAccountName", "cn", p.cfg.GroupAttr, p.cfg.DeptAttr, p.cfg.TitleAttr},
		nil,
	)
	res, err := conn.SearchWithPaging(req, p.cfg.PageSize)
	if err != nil {
		return models.DirectorySnapshot{}, fmt.Errorf("directory search: %w", err)
	}

	snap := models.DirectorySnapshot{AsOf: time.Now().UTC()}
	for _, e := range res.Entries {
		principal := e.GetAttributeValue("uid")
		if principal == "" {
			principal = e.GetAttributeValue("sAMAccountName")
		}
		if principal == "" {
			continue
		}
		groups := make([]string, 0, len(e.GetAttributeValues(p.cfg.GroupAttr)))
		for _, dn := range e.GetAttributeValues(p.cfg.GroupAttr) {
			groups = append(groups, groupCN(dn))
		}
		snap.Users = append(snap.Users, models.User{
			ID:         principal,
			Principal:  principal,
			Groups:     groups,
			Department: e.GetAttributeValue(p.cfg.DeptAttr),
			Title:      e.GetAttributeValue(p.cfg.TitleAttr),
			Source:     p.cfg.SourceName,
			Active:     true,
		})
	}
	return snap, nil
}

// groupCN extracts the leading CN from a group DN, e.g.
// "CN=Cameras,OU=Groups,DC=corp" -> "Cameras". Non-DN values pass through.
func groupCN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return dn
	}
	return parsed.RDNs[0].Attributes[0].Value
}

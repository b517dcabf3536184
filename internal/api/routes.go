package api

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rawblock/clarion/internal/agent"
	"github.com/rawblock/clarion/internal/db"
	"github.com/rawblock/clarion/internal/identity"
	"github.com/rawblock/clarion/internal/scheduler"
	"github.com/rawblock/clarion/internal/sgt"
	"github.com/rawblock/clarion/internal/store"
	"github.com/rawblock/clarion/pkg/models"
)

type APIHandler struct {
	sketchStore *store.Store
	resolver    *identity.Resolver
	manager     *sgt.Manager
	registry    *sgt.Registry
	ingestor    *agent.Ingestor
	pipe        *scheduler.Pipeline
	wsHub       *Hub
	dbStore     *db.PostgresStore
}

// Deps carries the router's collaborators; dbStore may be nil.
type Deps struct {
	Store     *store.Store
	Resolver  *identity.Resolver
	Manager   *sgt.Manager
	Registry  *sgt.Registry
	Ingestor  *agent.Ingestor
	Pipeline  *scheduler.Pipeline
	Hub       *Hub
	DB        *db.PostgresStore
	AuthToken func() (string, error) // nil disables auth
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://console.example.net
	// Development: leave empty for *
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		sketchStore: d.Store,
		resolver:    d.Resolver,
		manager:     d.Manager,
		registry:    d.Registry,
		ingestor:    d.Ingestor,
		pipe:        d.Pipeline,
		wsHub:       d.Hub,
		dbStore:     d.DB,
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(d.AuthToken))
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", d.Hub.Subscribe)

		// intake
		ingestLimit := NewRateLimiter(600, 60)
		api.POST("/agent/envelopes", ingestLimit.Middleware(), handler.handleAgentEnvelopes)
		api.POST("/flows", ingestLimit.Middleware(), handler.handleFlowReplay)

		// identity
		api.POST("/identity/sessions", handler.handleSessionEvent)
		api.POST("/identity/directory", handler.handleDirectorySnapshot)

		// endpoints and memberships
		api.GET("/endpoints", handler.handleListEndpoints)
		api.GET("/endpoints/:id", handler.handleGetEndpoint)
		api.PUT("/endpoints/:id/membership", handler.handleSetManualMembership)
		api.DELETE("/endpoints/:id/membership", handler.handleClearManualMembership)

		// tags
		api.GET("/sgts", handler.handleListSGTs)
		api.POST("/sgts", handler.handleAllocateSGT)
		api.POST("/sgts/:value/deprecate", handler.handleDeprecateSGT)

		// analytics
		api.POST("/cluster/run", handler.handleRunClustering)
		api.GET("/matrix", handler.handleGetMatrix)
		api.POST("/matrix/rebuild", handler.handleRebuildMatrix)
		api.GET("/policies", handler.handleGetPolicies)
		api.POST("/policies/generate", handler.handleGeneratePolicies)
	}

	return r
}

// handleHealth returns engine status and capabilities for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "operational",
		"engine":          "Clarion Segmentation Copilot v1.0",
		"endpoints":       h.sketchStore.Count(),
		"assigned":        h.manager.AssignedCount(),
		"pendingIdentity": h.resolver.PendingCount(),
		"capabilities": gin.H{
			"netflow_v5":        true,
			"netflow_v9":        true,
			"ipfix":             true,
			"edge_agents":       true,
			"sketch_matrix":     true,
			"policy_recommends": true,
		},
		"dbConnected": h.dbStore != nil,
	})
}

// handleAgentEnvelopes ingests a batch of edge-agent partial sketches.
// Duplicates are acknowledged so a retrying agent converges.
func (h *APIHandler) handleAgentEnvelopes(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 32<<20)

	var envs []agent.Envelope
	if err := c.ShouldBindJSON(&envs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected a JSON array of envelopes"})
		return
	}

	res, err := h.ingestor.Ingest(envs)
	status := http.StatusOK
	body := gin.H{
		"accepted":   res.Accepted,
		"duplicates": res.Duplicates,
		"rejected":   res.Rejected,
	}
	if err != nil {
		body["error"] = err.Error()
		if res.Accepted == 0 && res.Duplicates == 0 {
			status = http.StatusBadRequest
		}
	}
	c.JSON(status, body)
}

// handleFlowReplay folds raw flow records in through the API instead of the
// UDP listeners. Serves packet-capture replays and integration tooling.
func (h *APIHandler) handleFlowReplay(c *gin.Context) {
	var flows []models.FlowRecord
	if err := c.ShouldBindJSON(&flows); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected a JSON array of flow records"})
		return
	}

	accepted := 0
	for i := range flows {
		f := &flows[i]
		if !f.Valid() {
			continue
		}
		srcID, dstID := h.sketchStore.RecordFlow(f)
		h.resolver.ResolveFlow(srcID, f.SrcAddr, f.End)
		h.resolver.ResolveFlow(dstID, f.DstAddr, f.End)
		h.pipe.Builder().Record(f, h.flowTag(f.SrcTag, srcID), h.flowTag(f.DstTag, dstID))
		accepted++
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "rejected": len(flows) - accepted})
}

// flowTag prefers a tag carried in the flow record itself over the current
// membership table.
func (h *APIHandler) flowTag(carried *uint16, endpointID string) uint16 {
	if carried != nil {
		return *carried
	}
	return h.manager.TagFor(endpointID)
}

// handleSessionEvent applies one access-control session notification. The
// descriptive fields (profile, device type, hardware address) annotate the
// endpoint itself so the semantic labeler can vote over them.
func (h *APIHandler) handleSessionEvent(c *gin.Context) {
	var ev models.SessionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session event"})
		return
	}
	if ev.Address == "" || ev.UserID == "" && ev.Kind != "end" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session event requires address and userId"})
		return
	}
	resolved := h.resolver.ApplySession(ev)
	annotated := false
	if ev.Profile != "" || ev.DeviceType != "" || ev.HWAddr != "" {
		if id, ok := h.sketchStore.FindByAddr(ev.Address, ev.HWAddr); ok {
			annotated = h.sketchStore.SetAttributes(id, "", ev.DeviceType, ev.Profile, ev.HWAddr)
		}
	}
	c.JSON(http.StatusOK, gin.H{"applied": true, "lateResolved": resolved, "annotated": annotated})
}

// handleDirectorySnapshot applies a pushed directory snapshot for
// deployments that export their directory instead of exposing LDAP.
func (h *APIHandler) handleDirectorySnapshot(c *gin.Context) {
	var snap models.DirectorySnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid directory snapshot"})
		return
	}
	if snap.AsOf.IsZero() {
		snap.AsOf = time.Now().UTC()
	}
	h.resolver.ApplyDirectory(snap)
	c.JSON(http.StatusOK, gin.H{"applied": true, "users": len(snap.Users)})
}

// endpointSummary is the list-view projection of one endpoint.
type endpointSummary struct {
	Endpoint   models.Endpoint     `json:"endpoint"`
	Flows      uint64              `json:"flows"`
	Membership *models.Membership  `json:"membership,omitempty"`
	Identity   *models.Attribution `json:"identity,omitempty"`
}

func (h *APIHandler) summarize(v store.EndpointView) endpointSummary {
	s := endpointSummary{Endpoint: v.Endpoint, Flows: v.Sketch.Flows()}
	if m, ok := h.manager.Membership(v.Endpoint.ID); ok {
		s.Membership = &m
	}
	if a, ok := h.resolver.Attribution(v.Endpoint.ID); ok {
		s.Identity = &a
	}
	return s
}

// handleListEndpoints returns a page of tracked endpoints.
func (h *APIHandler) handleListEndpoints(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}

	views := h.sketchStore.SnapshotAll(0)
	// newest activity first; stable order across pages
	sort.Slice(views, func(i, j int) bool {
		if !views[i].Endpoint.LastSeen.Equal(views[j].Endpoint.LastSeen) {
			return views[i].Endpoint.LastSeen.After(views[j].Endpoint.LastSeen)
		}
		return views[i].Endpoint.ID < views[j].Endpoint.ID
	})
	total := len(views)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	out := make([]endpointSummary, 0, end-start)
	for _, v := range views[start:end] {
		out = append(out, h.summarize(v))
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       out,
		"totalCount": total,
		"page":       page,
		"limit":      limit,
	})
}

// handleGetEndpoint returns one endpoint with its sketch digest, membership,
// identity attribution, and membership history.
func (h *APIHandler) handleGetEndpoint(c *gin.Context) {
	id := c.Param("id")
	ep, sk, ok := h.sketchStore.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown endpoint"})
		return
	}

	body := gin.H{
		"endpoint": ep,
		"sketch": gin.H{
			"flows":     sk.Flows(),
			"peers":     int(sk.Peers.Cardinality()),
			"ports":     int(sk.Ports.Cardinality()),
			"firstSeen": sk.FirstSeen,
			"lastSeen":  sk.LastSeen,
		},
		"history": h.manager.History(id),
	}
	if m, ok := h.manager.Membership(id); ok {
		body["membership"] = m
		if tag, found := h.registry.Lookup(m.SGTValue); found {
			body["sgt"] = tag
		}
	}
	if a, ok := h.resolver.Attribution(id); ok {
		body["identity"] = a
		body["confidenceBand"] = identity.ConfidenceBand(a.Confidence)
	}
	c.JSON(http.StatusOK, body)
}

// handleSetManualMembership pins an endpoint to a tag. Pinned memberships
// are never touched by automated runs until cleared.
func (h *APIHandler) handleSetManualMembership(c *gin.Context) {
	var req struct {
		SGTValue uint16 `json:"sgtValue"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {sgtValue}"})
		return
	}
	id := c.Param("id")
	if err := h.manager.SetManual(id, req.SGTValue, time.Now().UTC()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.dbStore != nil {
		if m, ok := h.manager.Membership(id); ok {
			_ = h.dbStore.SaveMembership(c.Request.Context(), m)
		}
	}
	c.JSON(http.StatusOK, gin.H{"pinned": true, "endpointId": id, "sgtValue": req.SGTValue})
}

// handleClearManualMembership removes a pin; the next automated pass may
// reassign the endpoint.
func (h *APIHandler) handleClearManualMembership(c *gin.Context) {
	id := c.Param("id")
	if !h.manager.ClearManual(id, time.Now().UTC()) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No manual membership for endpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true, "endpointId": id})
}

// handleListSGTs returns the registry with current population counts.
func (h *APIHandler) handleListSGTs(c *gin.Context) {
	pop := make(map[uint16]int)
	for _, m := range h.manager.Memberships() {
		pop[m.SGTValue]++
	}

	type taggedCount struct {
		models.SGT
		Members int `json:"members"`
	}
	tags := h.registry.List()
	out := make([]taggedCount, 0, len(tags))
	for _, t := range tags {
		out = append(out, taggedCount{SGT: t, Members: pop[t.Value]})
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "totalCount": len(out)})
}

// handleAllocateSGT mints a tag outside the automated lifecycle, for
// operator-defined groups like quarantine.
func (h *APIHandler) handleAllocateSGT(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		Category    string `json:"category"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {name, category, description}"})
		return
	}
	if req.Category == "" {
		req.Category = "manual"
	}
	tag, err := h.registry.Allocate(req.Name, req.Category, req.Description, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if h.dbStore != nil {
		_ = h.dbStore.SaveSGT(c.Request.Context(), tag)
	}
	c.JSON(http.StatusCreated, tag)
}

// handleDeprecateSGT retires a tag. The value is never reused.
func (h *APIHandler) handleDeprecateSGT(c *gin.Context) {
	value, err := strconv.Atoi(c.Param("value"))
	if err != nil || value < 0 || value > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tag value"})
		return
	}
	if err := h.registry.Deprecate(uint16(value)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if h.dbStore != nil {
		if tag, ok := h.registry.Lookup(uint16(value)); ok {
			_ = h.dbStore.SaveSGT(c.Request.Context(), tag)
		}
	}
	c.JSON(http.StatusOK, gin.H{"deprecated": true, "value": value})
}

// handleRunClustering launches a batch run in the background.
func (h *APIHandler) handleRunClustering(c *gin.Context) {
	go func() {
		// detached from the request context; the run outlives the response
		if err := h.pipe.RunBatchClustering(context.Background()); err != nil {
			h.wsHub.BroadcastEvent("batch_failed", gin.H{"error": err.Error()})
		} else if out := h.pipe.LastBatch(); out != nil {
			h.wsHub.BroadcastEvent("batch_complete", out)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "run_started"})
}

// handleGetMatrix returns the latest snapshot.
func (h *APIHandler) handleGetMatrix(c *gin.Context) {
	snap := h.pipe.LatestMatrix()
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No matrix built yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleRebuildMatrix rebuilds synchronously and returns the new snapshot.
func (h *APIHandler) handleRebuildMatrix(c *gin.Context) {
	snap, err := h.pipe.RebuildMatrix(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.wsHub.BroadcastEvent("matrix_rebuilt", gin.H{"version": snap.Version, "cells": len(snap.Cells)})
	c.JSON(http.StatusOK, snap)
}

// handleGetPolicies returns the latest recommended set.
func (h *APIHandler) handleGetPolicies(c *gin.Context) {
	set := h.pipe.LatestPolicy()
	if set == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No policy set generated yet"})
		return
	}
	c.JSON(http.StatusOK, set)
}

// handleGeneratePolicies runs the recommender over the latest matrix.
func (h *APIHandler) handleGeneratePolicies(c *gin.Context) {
	set, err := h.pipe.GeneratePolicies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.wsHub.BroadcastEvent("policies_generated", gin.H{
		"matrixVersion": set.MatrixVersion,
		"rules":         len(set.Rules),
		"blocked":       len(set.Impact.Blocked),
	})
	c.JSON(http.StatusOK, set)
}

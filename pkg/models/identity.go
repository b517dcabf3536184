package models

import "time"

// AddrObservation records one network address seen for an endpoint.
// Endpoints keep a bounded history of these, newest first.
type AddrObservation struct {
	Address string    `json:"address"`
	SeenAt  time.Time `json:"seenAt"`
}

// Endpoint is a stable opaque handle for an observed network endpoint.
// Keyed preferentially by hardware address, otherwise by exporter-scoped
// network address, otherwise by a minted UUID.
type Endpoint struct {
	ID         string            `json:"id"`
	HWAddr     string            `json:"hwAddr,omitempty"`
	Addresses  []AddrObservation `json:"addresses,omitempty"` // bounded, newest first
	Hostname   string            `json:"hostname,omitempty"`
	DeviceType string            `json:"deviceType,omitempty"`
	Profile    string            `json:"profile,omitempty"` // identity-source profile field
	FirstSeen  time.Time         `json:"firstSeen"`
	LastSeen   time.Time         `json:"lastSeen"`
}

// User is a directory principal observed via identity sources.
// Created on first observation, updated idempotently by (name, source).
type User struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal"`
	Groups     []string  `json:"groups"`
	Department string    `json:"department,omitempty"`
	Title      string    `json:"title,omitempty"`
	Source     string    `json:"source"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SessionEvent is a push-based access-control session notification
// (session start, update, or end) binding an address to a user.
type SessionEvent struct {
	Kind       string    `json:"kind"` // "start", "update", "end"
	Address    string    `json:"address"`
	HWAddr     string    `json:"hwAddr,omitempty"`
	UserID     string    `json:"userId"`
	Groups     []string  `json:"groups,omitempty"`
	Profile    string    `json:"profile,omitempty"`    // identity-source endpoint profile
	DeviceType string    `json:"deviceType,omitempty"` // identity-source device classification
	Source     string    `json:"source"`
	EventTime  time.Time `json:"eventTime"`
}

// DirectorySnapshot is a full pull of the directory source at a point in time.
type DirectorySnapshot struct {
	AsOf  time.Time `json:"asOf"`
	Users []User    `json:"users"`
}

// Attribution is the side-band identity record for an endpoint: the sketch
// itself stores only the endpoint key, and this row is updated in place when
// identity arrives late.
type Attribution struct {
	EndpointID string    `json:"endpointId"`
	UserID     string    `json:"userId,omitempty"`
	Groups     []string  `json:"groups,omitempty"`
	Confidence float64   `json:"confidence"` // [0,1]; <0.4 low, <0.7 medium, else high
	Pending    bool      `json:"pending"`    // true until a covering session is found
	ResolvedAt time.Time `json:"resolvedAt,omitempty"`
}

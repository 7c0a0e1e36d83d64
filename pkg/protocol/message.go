package protocol

import "encoding/json"

// Definitions of the wire protocol spoken between controllers: heartbeats
// advertising state hashes, on-demand state pulls and the one-shot site claim.
// Field names are part of the wire contract and must not change.

// Version is stamped on every request. A request carrying any other version is
// rejected without affecting the connection it arrived on.
const Version = 1

type Op string

const (
	OpHeartbeat Op = "HB"
	OpGet       Op = "GET"
	OpClaim     Op = "CLAIM"
)

// Class is the role of a controller in the fabric.
type Class string

const (
	ClassManagement Class = "management"
	ClassBackbone   Class = "backbone"
	ClassMember     Class = "member"
)

func (c Class) Valid() bool {
	switch c {
	case ClassManagement, ClassBackbone, ClassMember:
		return true
	}
	return false
}

// Status codes carried in replies.
const (
	StatusOK             = 200
	StatusBadRequest     = 400
	StatusNotFound       = 404
	StatusGone           = 410
	StatusInternalError  = 500
	StatusNotImplemented = 501
)

// HashSet maps state keys to their hashes. A nil hash marks the key deleted.
type HashSet map[string]*string

// Request is implemented by every decoded request type.
type Request interface {
	Op() Op
}

type Heartbeat struct {
	Site    string  `json:"site"`
	Class   Class   `json:"sclass"`
	Address string  `json:"address,omitempty"`
	HashSet HashSet `json:"hashset,omitempty"`
}

func (*Heartbeat) Op() Op { return OpHeartbeat }

type GetRequest struct {
	Site     string `json:"site"`
	StateKey string `json:"statekey"`
}

func (*GetRequest) Op() Op { return OpGet }

type ClaimRequest struct {
	Claim string `json:"claim"`
	Name  string `json:"name"`
}

func (*ClaimRequest) Op() Op { return OpClaim }

// Status is the common head of every reply.
type Status struct {
	StatusCode        int    `json:"statusCode"`
	StatusDescription string `json:"statusDescription"`
}

// GetResponse answers a GET. Data is the canonical payload behind the key.
type GetResponse struct {
	Status
	StateKey string          `json:"statekey,omitempty"`
	Hash     string          `json:"hash,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// OutgoingLink is one backbone access a freshly claimed site should dial.
type OutgoingLink struct {
	BackboneID string `json:"backboneId"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Cost       int    `json:"cost,omitempty"`
}

// ClaimResponse answers a CLAIM with the identity assigned to the new site.
type ClaimResponse struct {
	Status
	SiteID        string         `json:"siteId,omitempty"`
	OutgoingLinks []OutgoingLink `json:"outgoingLinks,omitempty"`
	SiteClient    string         `json:"siteClient,omitempty"`
}

// envelope is the head shared by all requests.
type envelope struct {
	Version int `json:"version"`
	Op      Op  `json:"op"`
}

type heartbeatFrame struct {
	envelope
	Heartbeat
}

type getFrame struct {
	envelope
	GetRequest
}

type claimFrame struct {
	envelope
	ClaimRequest
}

package auth

import "github.com/golang-jwt/jwt/v5"

// VoiceClaims is the access-token shape the carrier's Voice SDK accepts.
type VoiceClaims struct {
	jwt.RegisteredClaims

	Grants Grants `json:"grants"`
}

type Grants struct {
	Identity string      `json:"identity"`
	Voice    *VoiceGrant `json:"voice,omitempty"`
}

type VoiceGrant struct {
	Incoming *IncomingGrant `json:"incoming,omitempty"`
	Outgoing *OutgoingGrant `json:"outgoing,omitempty"`
}

type IncomingGrant struct {
	Allow bool `json:"allow"`
}

type OutgoingGrant struct {
	ApplicationSID string `json:"application_sid"`
}

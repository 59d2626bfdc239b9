package reasoner

import (
	"log"
	"time"
)

const (
	// ModeMock selects the offline mock reasoner.
	ModeMock = "MOCK"
)

// NewClientForMode creates a reasoner client for the configured mode.
// MOCK returns the offline mock; anything else returns the HTTP client.
func NewClientForMode(mode, url string, timeout time.Duration) Client {
	if mode == ModeMock {
		log.Println("REACTOR_MODE=MOCK detected, using mock reasoner client")
		return NewMockClient()
	}
	return NewHTTPClient(url, timeout)
}

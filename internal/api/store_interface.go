package api

import "github.com/soaringjerry/Cohort/internal/services"

// Store is everything the HTTP layer's services persist. Both the in-memory
// store and db.SQLiteStore implement it.
type Store interface {
	services.StudyConfigStore
	services.TokenStore
	services.ParticipantStore
	services.ResponseStore
	services.ShredStore
	services.ResponseSink
	services.ForwardingStore
	services.AuthStore
}

var _ Store = (*memoryStore)(nil)

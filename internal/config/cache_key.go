package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionKey returns the hash key holding one test session
func (r *CacheKeyStruct) SessionKey(sessionKey string) string {
	return fmt.Sprintf("proctor:session:%s", sessionKey)
}

// SessionsStartedIndex returns the sorted set of session keys scored by start time
func (r *CacheKeyStruct) SessionsStartedIndex() string {
	return "proctor:sessions:started"
}

// SessionsTerminalIndex returns the sorted set of terminal session keys scored by termination time
func (r *CacheKeyStruct) SessionsTerminalIndex() string {
	return "proctor:sessions:terminal"
}

// SessionEventsChannel returns the Redis PubSub channel for a session's live events
func (r *CacheKeyStruct) SessionEventsChannel(sessionKey string) string {
	return fmt.Sprintf("proctor:session:%s:events", sessionKey)
}

var CacheKey = NewCacheKeyStruct()

package models

import "time"

type User struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// ChatTurn is one question/answer exchange. Turns are append-only per chat id.
type ChatTurn struct {
	UserID       string
	ChatID       string
	Question     string
	Answer       string
	ResponseDate time.Time
}

type SessionSummary struct {
	ChatID   string
	LastDate time.Time
}

type Document struct {
	ID         string
	Owner      string
	Corpus     string
	FileName   string
	ChunkCount int
	CreatedAt  time.Time
}

type DocumentChunk struct {
	ID         string
	DocID      string
	ChunkIndex int
	Text       string
	CreatedAt  time.Time
}

// internal/models/question.go
package models

// Question is one entry of the question bank. IDs are dense, starting at 1.
type Question struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 48-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 48)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// Task returns a new task ID.
func Task() string { return "task_" + short() }

// Shard returns a new shard ID.
func Shard() string { return "shard_" + short() }

// Command returns a new super-admin command ID.
func Command() string { return "cmd_" + short() }

// Trace returns a new trace ID.
func Trace() string { return "trace_" + short() }

func short() string {
	id, err := gonanoid.Generate(alphabet, 21)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

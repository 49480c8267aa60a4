// Package storage provides the page storage interface and an in-memory
// implementation. Pages are addressed by page.Key and stored as opaque
// byte slices; the store never interprets page contents.
package storage

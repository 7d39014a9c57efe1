// Package publisher holds the event bus adapters used by the notifier:
// Redis pub/sub, Google Cloud Pub/Sub, and an in-memory recorder for tests.
package publisher

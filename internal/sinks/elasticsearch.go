package sinks

import (
	"context"

	"github.com/policygate/policygate/internal/common/database"
	"github.com/policygate/policygate/internal/common/events"
)

// AuditIndexMapping keeps hashes and ids as keywords so they can be looked
// up exactly
const AuditIndexMapping = `{
  "mappings": {
    "properties": {
      "index":           {"type": "long"},
      "type":            {"type": "keyword"},
      "timestamp":       {"type": "date"},
      "traceId":         {"type": "keyword"},
      "policyVersionId": {"type": "long"},
      "effect":          {"type": "keyword"},
      "payload":         {"type": "object", "enabled": false},
      "prevHash":        {"type": "keyword"},
      "hash":            {"type": "keyword"}
    }
  }
}`

// ElasticsearchSink indexes each entry as a document. The ledger index is
// the document id, so a redelivered entry overwrites itself.
type ElasticsearchSink struct {
	es    *database.ElasticsearchClient
	index string
}

// NewElasticsearchSink creates the sink; call EnsureIndex once at startup
func NewElasticsearchSink(es *database.ElasticsearchClient, index string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, index: index}
}

// EnsureIndex creates the target index with AuditIndexMapping if missing
func (s *ElasticsearchSink) EnsureIndex(ctx context.Context) error {
	return s.es.EnsureIndex(ctx, s.index, AuditIndexMapping)
}

// Name implements Sink
func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

// Handle implements Sink
func (s *ElasticsearchSink) Handle(ctx context.Context, e events.Event) error {
	docID := e.Metadata["index"]
	if docID == "" {
		docID = e.ID
	}
	return s.es.Index(ctx, s.index, docID, e.Payload)
}

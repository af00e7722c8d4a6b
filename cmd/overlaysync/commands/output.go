package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/bryanchriswhite/overlaysync/internal/event"
	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"gopkg.in/yaml.v3"
)

// writeFormatted writes v as indented json or yaml
func writeFormatted(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(v)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", format)
	}
}

// recordPrinter is an event.Sink that prints one record per event: a json
// line, or a yaml document.
type recordPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

func newRecordPrinter(w io.Writer, format string) (*recordPrinter, error) {
	if format != "json" && format != "yaml" {
		return nil, fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", format)
	}
	return &recordPrinter{w: w, format: format}, nil
}

// Handle implements event.Sink
func (p *recordPrinter) Handle(session uint32, e event.Event) {
	rec := event.ToRecord(session, e)

	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	switch p.format {
	case "json":
		err = json.NewEncoder(p.w).Encode(rec)
	case "yaml":
		var data []byte
		if data, err = yaml.Marshal(rec); err == nil {
			_, err = fmt.Fprintf(p.w, "---\n%s", data)
		}
	}
	if err != nil {
		logger.WithSession("track", session).Warn().
			Err(err).
			Str("event", rec.Type).
			Msg("Failed to print event")
	}
}

package cascade

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/emdx-dev/emdx/internal/storage"
)

// SynthesizeOptions configure a merge of documents at one stage.
type SynthesizeOptions struct {
	Stage Stage
	// DocIDs selects a subset; empty means every document at the stage.
	DocIDs []int64
	// Keep leaves the sources at their stage; otherwise they are
	// fast-forwarded to done.
	Keep bool
}

// Synthesize concatenates the selected documents into a single new
// document at the same stage, with a per-source header carrying the doc
// id. The merge needs at least two sources; synthesizing one document is
// refused since it would only clone it.
func (c *Cascade) Synthesize(opts SynthesizeOptions) (int64, error) {
	if opts.Stage == StageDone {
		return 0, fmt.Errorf("cannot synthesize at the terminal stage")
	}
	sources, err := c.selectSources(opts)
	if err != nil {
		return 0, err
	}
	if len(sources) < 2 {
		return 0, fmt.Errorf("synthesize needs at least 2 documents at stage %q, found %d", opts.Stage, len(sources))
	}

	var b strings.Builder
	hasher := blake3.New()
	ids := make([]string, 0, len(sources))
	for _, doc := range sources {
		ids = append(ids, fmt.Sprintf("#%d", doc.ID))
		fmt.Fprintf(&b, "## Document #%d: %s\n\n", doc.ID, doc.Title)
		b.WriteString(strings.TrimRight(doc.Content, "\n"))
		b.WriteString("\n\n")
		_, _ = hasher.WriteString(doc.Content)
	}
	digest := hex.EncodeToString(hasher.Sum(nil)[:8])
	fmt.Fprintf(&b, "<!-- synthesized from %s digest=%s -->\n", strings.Join(ids, ", "), digest)

	title := fmt.Sprintf("Synthesis of %d documents [%s]", len(sources), opts.Stage)
	newID, err := c.db.CreateDocument(title, b.String(), sources[0].Project, nil, string(opts.Stage))
	if err != nil {
		return 0, err
	}

	if !opts.Keep {
		for _, doc := range sources {
			if err := c.db.SetDocumentStage(doc.ID, string(StageDone)); err != nil {
				return 0, err
			}
		}
	}
	return newID, nil
}

func (c *Cascade) selectSources(opts SynthesizeOptions) ([]*storage.Document, error) {
	if len(opts.DocIDs) == 0 {
		return c.db.ListDocumentsAtStage(string(opts.Stage), 0)
	}
	out := make([]*storage.Document, 0, len(opts.DocIDs))
	for _, id := range opts.DocIDs {
		doc, err := c.db.GetDocument(id)
		if err != nil {
			return nil, err
		}
		if doc.IsDeleted {
			return nil, fmt.Errorf("document %d is deleted", id)
		}
		if doc.Stage != string(opts.Stage) {
			return nil, fmt.Errorf("document %d is at stage %q, not %q", id, doc.Stage, opts.Stage)
		}
		out = append(out, doc)
	}
	return out, nil
}

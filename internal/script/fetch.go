package script

import (
	"context"
	"errors"

	"github.com/vantiq-ext/execsource/internal/codecache"
	"github.com/vantiq-ext/execsource/internal/connector"
	"github.com/vantiq-ext/execsource/internal/vantiq"
)

// fetchResult is the outcome of resolving a script document: either the
// cached compiled artifact (when the server-reported modification
// timestamp still matches) or freshly downloaded source text.
type fetchResult struct {
	cached   bool
	modDate  string
	artifact any    // set when cached
	code     string // set when fresh
}

// fetchScript obtains the named document from the store, using the
// artifact cache when the document is unchanged. Store errors come back as
// wire errors preserving the store's own code.
func (h *Handler) fetchScript(ctx context.Context, cache *codecache.Cache, name string) (*fetchResult, *connector.Error) {
	client := h.docClient()

	doc, err := client.SelectOneDocument(ctx, name)
	if err != nil {
		return nil, storeError(err)
	}
	if doc.IsIncomplete {
		return nil, connector.NewError(codeDocIncomplete,
			"Document {0} is incomplete and cannot be used.", name)
	}
	if doc.ContentSize <= 0 {
		return nil, connector.NewError(codeDocLength,
			"Document {0} has an invalid length: {1}.", name, doc.ContentSize)
	}

	modDate := doc.ModDate()
	if entry, ok := cache.Get(name); ok {
		if entry.ModDate == modDate {
			return &fetchResult{cached: true, modDate: modDate, artifact: entry.Artifact}, nil
		}
		// The document changed since it was cached.
		cache.Remove(name)
	}

	data, err := client.Download(ctx, doc.Content)
	if err != nil {
		return nil, storeError(err)
	}
	if len(data) == 0 {
		return nil, connector.NewError(codeDocContentEmpty,
			"Document content for {0} was empty.", name)
	}
	return &fetchResult{modDate: modDate, code: string(data)}, nil
}

// docClient returns the shared document-store client, constructing it on
// first use. The mutex makes construction single-flight: only one query
// builds the client, the rest reuse it.
func (h *Handler) docClient() vantiq.DocumentClient {
	h.docsMu.Lock()
	defer h.docsMu.Unlock()
	if h.docs == nil {
		h.docs = h.newDocClient()
	}
	return h.docs
}

// storeError maps a document-store failure to a wire error, preserving the
// store's error code when one was reported.
func storeError(err error) *connector.Error {
	var apiErr *vantiq.APIError
	if errors.As(err, &apiErr) {
		return connector.NewError(apiErr.Code, apiErr.Message, apiErr.Params...)
	}
	return connector.NewError(codeStoreConnectFail, "{0}", err.Error())
}

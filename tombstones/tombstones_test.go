package tombstones

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/drift/etag"
	"github.com/driftdb/drift/storage"
)

func newTestRecorder(t *testing.T) (*Recorder, *Purger, *etag.Generator) {
	t.Helper()

	store := storage.NewMemStore()
	t.Cleanup(func() { _ = store.Close() })

	gen := etag.NewGenerator(1, 0)

	recorder, err := NewRecorder(RecorderOptions{Store: store, Etags: gen})
	require.NoError(t, err)

	purger, err := NewPurger(PurgerOptions{Store: store})
	require.NoError(t, err)

	return recorder, purger, gen
}

func TestParseStream(t *testing.T) {
	stream, err := ParseStream("documents")
	require.NoError(t, err)
	require.Equal(t, StreamDocuments, stream)

	stream, err = ParseStream("attachments")
	require.NoError(t, err)
	require.Equal(t, StreamAttachments, stream)

	_, err = ParseStream("counters")
	require.ErrorIs(t, err, ErrUnknownStream)
}

func TestRecordAndList(t *testing.T) {
	recorder, _, _ := newTestRecorder(t)
	ctx := context.Background()

	var recorded []Entry
	for i := 0; i < 5; i++ {
		entry, err := recorder.Record(ctx, StreamDocuments, fmt.Sprintf("docs/%d", i))
		require.NoError(t, err)
		recorded = append(recorded, entry)
	}

	// etags must come out strictly increasing
	for i := 1; i < len(recorded); i++ {
		require.Equal(t, -1, etag.Compare(recorded[i-1].Etag, recorded[i].Etag))
	}

	entries, err := recorder.List(ctx, StreamDocuments, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, entry := range entries {
		require.Equal(t, recorded[i].Key, entry.Key)
		require.Equal(t, recorded[i].Etag, entry.Etag)
	}

	limited, err := recorder.List(ctx, StreamDocuments, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, recorded[0].Key, limited[0].Key)

	// the other stream is untouched
	attachments, err := recorder.List(ctx, StreamAttachments, 0)
	require.NoError(t, err)
	require.Empty(t, attachments)

	_, err = recorder.List(ctx, Stream("bogus"), 0)
	require.ErrorIs(t, err, ErrUnknownStream)

	_, err = recorder.Record(ctx, Stream("bogus"), "k")
	require.ErrorIs(t, err, ErrUnknownStream)
}

func TestPurgeRequiresCutoff(t *testing.T) {
	recorder, purger, _ := newTestRecorder(t)
	ctx := context.Background()

	_, err := recorder.Record(ctx, StreamDocuments, "docs/1")
	require.NoError(t, err)

	_, err = purger.Purge(ctx, PurgeRequest{})
	require.ErrorIs(t, err, ErrNoCutoff)

	// the rejected request must not have touched storage
	entries, err := recorder.List(ctx, StreamDocuments, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPurgeRemovesStrictlyOlder(t *testing.T) {
	recorder, purger, _ := newTestRecorder(t)
	ctx := context.Background()

	var recorded []Entry
	for i := 0; i < 5; i++ {
		entry, err := recorder.Record(ctx, StreamDocuments, fmt.Sprintf("docs/%d", i))
		require.NoError(t, err)
		recorded = append(recorded, entry)
	}

	cutoff := recorded[2].Etag
	result, err := purger.Purge(ctx, PurgeRequest{Documents: &cutoff})
	require.NoError(t, err)
	require.Equal(t, 2, result.Documents)
	require.Equal(t, 0, result.Attachments)

	entries, err := recorder.List(ctx, StreamDocuments, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// the entry at the cutoff itself survives
	require.Equal(t, recorded[2].Etag, entries[0].Etag)
}

func TestPurgeIdempotent(t *testing.T) {
	recorder, purger, _ := newTestRecorder(t)
	ctx := context.Background()

	var recorded []Entry
	for i := 0; i < 4; i++ {
		entry, err := recorder.Record(ctx, StreamDocuments, fmt.Sprintf("docs/%d", i))
		require.NoError(t, err)
		recorded = append(recorded, entry)
	}

	cutoff := recorded[3].Etag
	result, err := purger.Purge(ctx, PurgeRequest{Documents: &cutoff})
	require.NoError(t, err)
	require.Equal(t, 3, result.Documents)

	// same cutoff again removes nothing
	result, err = purger.Purge(ctx, PurgeRequest{Documents: &cutoff})
	require.NoError(t, err)
	require.Equal(t, 0, result.Documents)

	// an older cutoff removes nothing either
	older := recorded[1].Etag
	result, err = purger.Purge(ctx, PurgeRequest{Documents: &older})
	require.NoError(t, err)
	require.Equal(t, 0, result.Documents)
}

func TestPurgeStreamsIndependent(t *testing.T) {
	recorder, purger, _ := newTestRecorder(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := recorder.Record(ctx, StreamDocuments, fmt.Sprintf("docs/%d", i))
		require.NoError(t, err)
	}
	var lastAttachment Entry
	for i := 0; i < 3; i++ {
		entry, err := recorder.Record(ctx, StreamAttachments, fmt.Sprintf("files/%d", i))
		require.NoError(t, err)
		lastAttachment = entry
	}

	// a documents cutoff above everything must not touch attachments
	docCutoff := etag.Etag{Restarts: 99, Changes: 0}
	result, err := purger.Purge(ctx, PurgeRequest{Documents: &docCutoff})
	require.NoError(t, err)
	require.Equal(t, 3, result.Documents)
	require.Equal(t, 0, result.Attachments)

	attachments, err := recorder.List(ctx, StreamAttachments, 0)
	require.NoError(t, err)
	require.Len(t, attachments, 3)
	require.Equal(t, lastAttachment.Etag, attachments[2].Etag)
}

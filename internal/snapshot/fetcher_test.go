package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"poolsync/internal/model"
)

func sampleSet() model.EventSet {
	return model.EventSet{Events: []model.EventRecord{
		{
			BlockNumber:     5,
			LogIndex:        1,
			TransactionHash: common.HexToHash("0x05"),
			Payload:         &model.EncryptedNotePayload{EncryptedNote: []byte{0xde, 0xad}},
		},
		{
			BlockNumber:     9,
			LogIndex:        0,
			TransactionHash: common.HexToHash("0x09"),
			Payload:         &model.EncryptedNotePayload{EncryptedNote: []byte{0xbe, 0xef}},
		},
	}}.WithCursor(100)
}

func serveArchive(t *testing.T, archive []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notes.json.zst" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive)
	}))
}

func TestFetchDecodesArchive(t *testing.T) {
	archive, err := Encode(sampleSet())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sum := sha256.Sum256(archive)

	server := serveArchive(t, archive)
	defer server.Close()

	fetcher, err := NewFetcher(server.URL+"/", WithDigests(map[string]string{"notes": "0x" + hex.EncodeToString(sum[:])}))
	if err != nil {
		t.Fatalf("fetcher: %v", err)
	}
	set, ok, err := fetcher.Fetch(context.Background(), "notes")
	if err != nil || !ok {
		t.Fatalf("fetch: ok=%v err=%v", ok, err)
	}
	if len(set.Events) != 2 || set.LastBlock == nil || *set.LastBlock != 100 {
		t.Fatalf("unexpected set: %+v", set)
	}
}

func TestFetchMissingArchive(t *testing.T) {
	server := serveArchive(t, nil)
	defer server.Close()

	fetcher, _ := NewFetcher(server.URL)
	_, ok, err := fetcher.Fetch(context.Background(), "deposits")
	if err != nil || ok {
		t.Fatalf("expected missing snapshot, ok=%v err=%v", ok, err)
	}
}

func TestFetchRejectsDigestMismatch(t *testing.T) {
	archive, err := Encode(sampleSet())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	server := serveArchive(t, archive)
	defer server.Close()

	fetcher, _ := NewFetcher(server.URL, WithDigests(map[string]string{"notes": "00"}))
	_, _, err = fetcher.Fetch(context.Background(), "notes")
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestFetchMatchesDigestIgnoringCase(t *testing.T) {
	archive, err := Encode(sampleSet())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	// config keys come back lowercased
	fetcher, _ := NewFetcher(server.URL, WithDigests(map[string]string{"eth-notes": "00"}))
	_, ok, err := fetcher.Fetch(context.Background(), "ETH-Notes")
	if !errors.Is(err, ErrDigestMismatch) || ok {
		t.Fatalf("expected ErrDigestMismatch, ok=%v err=%v", ok, err)
	}

	sum := sha256.Sum256(archive)
	fetcher, _ = NewFetcher(server.URL, WithDigests(map[string]string{"ETH-Notes": hex.EncodeToString(sum[:])}))
	if _, ok, err := fetcher.Fetch(context.Background(), "ETH-Notes"); err != nil || !ok {
		t.Fatalf("fetch: ok=%v err=%v", ok, err)
	}
}

func TestDecodeRejectsUnorderedEvents(t *testing.T) {
	set := sampleSet()
	set.Events[0], set.Events[1] = set.Events[1], set.Events[0]
	archive, err := Encode(set)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(archive); err == nil {
		t.Fatalf("expected ordering error")
	}
}

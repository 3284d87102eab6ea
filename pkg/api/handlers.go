package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
	"github.com/commonprefix/mock-gmp-api/pkg/payload"
	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", "request body exceeds the size limit")
			return nil, false
		}
		WriteBadRequest(w, r, "failed to read request body")
		return nil, false
	}
	return body, true
}

// GET /chain/{chain}/tasks?after={taskID}
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	chain := r.PathValue("chain")
	after := r.URL.Query().Get("after")

	records, err := s.tasks.ListSince(r.Context(), chain, after)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	docs := make([]map[string]any, len(records))
	for i, rec := range records {
		docs[i] = rec.Document()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": docs})
}

// POST /chain/{chain}/task
func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	chain := r.PathValue("chain")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	if err := gmp.ValidateTaskRequest(body); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	var req struct {
		Type string          `json:"type"`
		Meta json.RawMessage `json:"meta"`
		Task json.RawMessage `json:"task"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	kind, err := gmp.ParseTaskKind(req.Type)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	meta := req.Meta
	if string(meta) == "null" {
		meta = nil
	}
	rec, err := s.tasks.Enqueue(r.Context(), chain, kind, meta, req.Task)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Document())
}

// POST /chain/{chain}/events accepts either {"events":[...]} or one bare
// event document; the response is the per-index result list either way.
func (s *Server) handlePostEvents(w http.ResponseWriter, r *http.Request) {
	chain := r.PathValue("chain")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var batch struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		WriteBadRequest(w, r, "invalid JSON: "+err.Error())
		return
	}

	if batch.Events == nil {
		// Single event form.
		batch.Events = []json.RawMessage{body}
	} else if err := gmp.ValidateEventBatch(body); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	events := make([]gmp.Event, 0, len(batch.Events))
	results := make([]gmp.PostEventResult, len(batch.Events))
	indexes := make([]int, 0, len(batch.Events))
	for i, raw := range batch.Events {
		event, err := gmp.ParseEvent(raw)
		if err != nil {
			msg := err.Error()
			retriable := false
			results[i] = gmp.PostEventResult{
				Status: "FAILED", Index: i, Error: &msg, Retriable: &retriable,
			}
			continue
		}
		events = append(events, event)
		indexes = append(indexes, i)
	}

	ingested := s.ingestor.IngestBatch(r.Context(), chain, events)
	for j, result := range ingested.Results {
		result.Index = indexes[j]
		results[result.Index] = result
	}

	writeJSON(w, http.StatusOK, gmp.PostEventResponse{Results: results})
}

// POST /contracts/{address}/broadcasts
func (s *Server) handleSubmitBroadcast(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	id, err := s.engine.Submit(r.Context(), r.Header.Get("X-Broadcast-ID"), address, body)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			WriteConflict(w, r, err.Error())
			return
		}
		WriteBadRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"broadcastID": id})
}

type broadcastResponse struct {
	Status    gmp.BroadcastStatus `json:"status"`
	TxHash    string              `json:"tx_hash,omitempty"`
	Error     string              `json:"error,omitempty"`
	Broadcast json.RawMessage     `json:"broadcast"`
}

// GET /contracts/{address}/broadcasts/{id} serves both lookup forms: by
// broadcast id first, then by query correlation key. Both are scoped to the
// contract in the path.
func (s *Server) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	id := r.PathValue("id")

	rec, err := s.engine.GetStatus(r.Context(), address, id)
	if errors.Is(err, store.ErrNotFound) {
		rec, err = s.engine.FindByQuery(r.Context(), address, id)
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, broadcastResponse{
		Status:    rec.Status,
		TxHash:    rec.TxHash,
		Error:     rec.Error,
		Broadcast: rec.Broadcast,
	})
}

// POST /payloads stores the raw body bytes.
func (s *Server) handleStorePayload(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	hash, err := s.payloads.Put(r.Context(), body)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gmp.StorePayloadResult{Keccak256: hash})
}

// GET /payloads/0x{hash}
func (s *Server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	hash, err := payload.NormalizeHash(r.PathValue("hash"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	data, err := s.payloads.Get(r.Context(), hash)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

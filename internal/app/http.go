package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agora/api/internal/search"
	"agora/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"queue":    map[string]any{"status": "ok"},
		}
		ready := true
		if err := s.service.Ping(ctx); err != nil {
			ready = false
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingQueue(ctx); err != nil {
			ready = false
			checks["queue"] = map[string]any{"status": "error", "error": err.Error()}
		}

		statusCode := http.StatusOK
		statusText := "ready"
		if !ready {
			statusCode = http.StatusServiceUnavailable
			statusText = "not_ready"
		}
		writeJSON(w, statusCode, map[string]any{"ok": ready, "status": statusText, "checks": checks})
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.URL.Path == "/api/topics" {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListTopics(r.Context())
			s.respond(w, payload, err)
			return
		case http.MethodPost:
			var body struct {
				Title      string `json:"title"`
				Discipline string `json:"discipline"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateTopic(r.Context(), actor, body.Title, body.Discipline)
			s.respond(w, payload, err)
			return
		}
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "topics" {
		if r.Method == http.MethodGet {
			payload, err := s.service.GetTopic(r.Context(), parts[2])
			s.respond(w, payload, err)
			return
		}
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "topics" {
		topicID := parts[2]
		switch parts[3] {
		case "documents":
			if r.Method == http.MethodPost {
				var body struct {
					Content  string  `json:"content"`
					ParentID *string `json:"parentId"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				payload, err := s.service.UploadDocument(r.Context(), actor, topicID, body.ParentID, body.Content)
				s.respond(w, payload, err)
				return
			}
		case "traces":
			switch r.Method {
			case http.MethodGet:
				payload, err := s.service.ListTopicTraces(r.Context(), topicID)
				s.respond(w, payload, err)
				return
			case http.MethodPost:
				var body struct {
					Body      string          `json:"body"`
					Citations []CitationInput `json:"citations"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				payload, err := s.service.CreateTrace(r.Context(), actor, topicID, body.Body, body.Citations)
				s.respond(w, payload, err)
				return
			}
		case "consensus":
			if r.Method == http.MethodGet {
				userA := strings.TrimSpace(r.URL.Query().Get("userA"))
				userB := strings.TrimSpace(r.URL.Query().Get("userB"))
				if userA != "" || userB != "" {
					payload, err := s.service.PairConsensus(r.Context(), topicID, userA, userB)
					s.respond(w, payload, err)
					return
				}
				payload, err := s.service.TopicConsensus(r.Context(), topicID)
				s.respond(w, payload, err)
				return
			}
		case "snapshots":
			if r.Method == http.MethodGet {
				limit, ok := queryInt(w, r, "limit", 20)
				if !ok {
					return
				}
				payload, err := s.service.Snapshots(r.Context(), topicID, limit)
				s.respond(w, payload, err)
				return
			}
		case "report":
			if r.Method == http.MethodPost {
				result, err := s.service.ConsensusReport(r.Context(), topicID)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
				w.Header().Set("Content-Type", result.MimeType)
				_, _ = w.Write(result.Data)
				return
			}
		}
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "documents" {
		if r.Method == http.MethodGet {
			payload, err := s.service.DocumentStatus(r.Context(), parts[2])
			s.respond(w, payload, err)
			return
		}
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "traces" {
		traceID := parts[2]
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetTrace(r.Context(), traceID)
			s.respond(w, payload, err)
			return
		case http.MethodPut:
			var body struct {
				Version   int             `json:"version"`
				Body      string          `json:"body"`
				Citations []CitationInput `json:"citations"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.EditTrace(r.Context(), actor, traceID, body.Version, body.Body, body.Citations)
			s.respond(w, payload, err)
			return
		}
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "traces" {
		traceID := parts[2]
		switch parts[3] {
		case "publish":
			if r.Method == http.MethodPost {
				payload, err := s.service.PublishTrace(r.Context(), actor, traceID)
				s.respond(w, payload, err)
				return
			}
		case "approve":
			if r.Method == http.MethodPost {
				payload, err := s.service.ApproveTrace(r.Context(), actor, traceID)
				s.respond(w, payload, err)
				return
			}
		case "analysis":
			if r.Method == http.MethodGet {
				payload, err := s.service.TraceAnalysis(r.Context(), traceID)
				s.respond(w, payload, err)
				return
			}
		case "history":
			if r.Method == http.MethodGet {
				limit, ok := queryInt(w, r, "limit", 20)
				if !ok {
					return
				}
				payload, err := s.service.TraceHistory(r.Context(), traceID, limit)
				s.respond(w, payload, err)
				return
			}
		case "citations":
			if r.Method == http.MethodPost {
				var body struct {
					Version  int           `json:"version"`
					Position int           `json:"position"`
					Citation CitationInput `json:"citation"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				payload, err := s.service.AddTraceCitation(r.Context(), actor, traceID, body.Version, body.Citation, body.Position)
				s.respond(w, payload, err)
				return
			}
		}
	}

	if len(parts) == 5 && parts[0] == "api" && parts[1] == "traces" && parts[3] == "citations" {
		if r.Method == http.MethodDelete {
			pos, err := strconv.Atoi(parts[4])
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "citation position must be an integer", nil)
				return
			}
			version, ok := queryInt(w, r, "version", 0)
			if !ok {
				return
			}
			if version < 1 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version query parameter is required", nil)
				return
			}
			payload, err := s.service.RemoveTraceCitation(r.Context(), actor, parts[2], version, pos)
			s.respond(w, payload, err)
			return
		}
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "users" && parts[3] == "role" {
		if r.Method == http.MethodPut {
			var body struct {
				Role string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.SetUserRole(r.Context(), actor, parts[2], body.Role); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/jobs/dead" {
		limit, ok := queryInt(w, r, "limit", 50)
		if !ok {
			return
		}
		payload, err := s.service.DeadJobs(r.Context(), actor, limit)
		s.respond(w, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	q := search.Query{
		Text:          strings.TrimSpace(r.URL.Query().Get("q")),
		FilterType:    search.ResultType(strings.TrimSpace(r.URL.Query().Get("type"))),
		FilterTopicID: strings.TrimSpace(r.URL.Query().Get("topicId")),
		Limit:         limit,
		Offset:        offset,
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

// respond writes either the payload or the mapped domain error.
func (s *HTTPServer) respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// requireActor resolves the caller from the X-Actor header, creating the
// user on first contact.
func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (store.User, bool) {
	actor, err := s.service.Identify(r.Context(), r.Header.Get("X-Actor"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return store.User{}, false
	}
	return actor, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

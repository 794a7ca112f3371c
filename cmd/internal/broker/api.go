package broker

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	v1 "tuitui/shared/contracts/chat/v1"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
)

const maxJSONBodyBytes = 16 << 10

// API serves the chat REST endpoints.
type API struct {
	log    *slog.Logger
	store  MessageStore
	tokens *TokenIssuer
	auth   Authorizer
}

// NewAPI constructs the REST API. A nil auth leaves every endpoint open; tokens may be nil,
// in which case /api/token is not mounted.
func NewAPI(log *slog.Logger, store MessageStore, tokens *TokenIssuer, auth Authorizer) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{log: log, store: store, tokens: tokens, auth: auth}
}

// Register mounts the routes on r.
func (a *API) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.NoCache)
		if a.auth != nil {
			r.Use(a.requireBearer)
		}
		r.Get("/api/chat/rooms/{id}", a.listRooms)
		r.Post("/api/chat/rooms", a.createRoom)
		r.Get("/api/chat/rooms/{id}/messages", a.history)
	})
	if a.tokens != nil {
		r.Get("/api/token", a.token)
	}
}

func (a *API) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" || !a.auth(token) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) listRooms(w http.ResponseWriter, r *http.Request) {
	profileID, ok := pathID(w, r)
	if !ok {
		return
	}
	rooms, err := a.store.ListRooms(r.Context(), profileID)
	if err != nil {
		a.log.Error("api.rooms.list.fail", "profile_id", profileID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "list rooms failed")
		return
	}
	writeJSON(w, http.StatusOK, v1.Response[[]v1.ChatRoom]{Data: lo.Map(rooms, func(rm Room, _ int) v1.ChatRoom {
		return roomToWire(rm)
	})})
}

func (a *API) createRoom(w http.ResponseWriter, r *http.Request) {
	var req v1.CreateRoomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if err := validPair(req.HostProfileID, req.GuestProfileID); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	room, err := a.store.CreateRoom(r.Context(), req.HostProfileID, req.GuestProfileID)
	if err != nil {
		a.log.Error("api.rooms.create.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "create room failed")
		return
	}
	a.log.Info("api.rooms.create", "room_id", room.RoomID)
	writeJSON(w, http.StatusOK, v1.Response[v1.ChatRoom]{Data: roomToWire(room)})
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	pageNo, err := queryInt(q.Get("pageNo"), 0)
	if err != nil || pageNo < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid pageNo")
		return
	}
	pageSize, err := queryInt(q.Get("pageSize"), defaultPageSize)
	if err != nil || pageSize <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid pageSize")
		return
	}
	if sortBy := q.Get("sortBy"); sortBy != "" && sortBy != "createdAt" {
		writeError(w, http.StatusBadRequest, "bad_request", "unsupported sortBy")
		return
	}

	msgs, err := a.store.FetchHistory(r.Context(), FetchHistoryInput{RoomID: roomID, PageNo: pageNo, PageSize: pageSize})
	switch {
	case errors.Is(err, ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room_not_found", "room not found")
		return
	case err != nil:
		a.log.Error("api.history.fail", "room_id", roomID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "history failed")
		return
	}
	writeJSON(w, http.StatusOK, v1.Response[v1.HistoryPage]{Data: v1.HistoryPage{
		Contents: lo.Map(msgs, func(m StoredMessage, _ int) v1.WireMessage { return toWire(m) }),
	}})
}

// token implements the dev token endpoint: grant_type=refresh rotates a pair and
// grant_type=issue hands out a new one.
func (a *API) token(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch q.Get("grant_type") {
	case "refresh":
		pair, err := a.tokens.Refresh(q.Get("refresh_token"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_grant", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, v1.Response[v1.TokenPair]{Data: pair})
	case "issue":
		writeJSON(w, http.StatusOK, v1.Response[v1.TokenPair]{Data: a.tokens.Issue()})
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be refresh or issue")
	}
}

// ---- helpers ----

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, v1.ErrorBody{Code: code, Message: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

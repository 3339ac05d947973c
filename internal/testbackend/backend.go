// Package testbackend is an in-memory implementation of the services the
// client talks to: the application auth endpoints, the card directory, group
// ticket storage and the key backup service with its password transform.
//
// It keeps all state in memory and is meant for tests and local development.
package testbackend

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58/base58"

	"github.com/ethree/client-go/internal/api"
	"github.com/ethree/client-go/internal/apierrors"
	"github.com/ethree/client-go/internal/crypto"
)

// Config configures a Backend.
type Config struct {
	// HardenerSeed is the password transform key seed, of any length. It is
	// hashed to the hardener key; empty generates a random one.
	HardenerSeed []byte
	// TransformRate limits password transforms per identity per second.
	// Zero disables limiting.
	TransformRate float64
	// TransformBurst is the limiter burst. Zero means 1 when limiting.
	TransformBurst int
	// Logger receives request logs. Nil discards them.
	Logger *slog.Logger
}

type groupRecord struct {
	initiator string
	tickets   []api.GroupTicket
}

type failure struct {
	status    int
	remaining int
}

// Backend is the in-memory service. Its handler serves both the auth and
// the directory endpoints, so one base URL works for both.
type Backend struct {
	hardener *crypto.PasswordHardener
	limiter  *keyLimiter
	logger   *slog.Logger
	mux      *http.ServeMux

	mu           sync.Mutex
	denied       map[string]bool
	authTokens   map[string]string // auth token -> identity
	accessTokens map[string]string // access token -> identity
	cards        map[string]*api.Card
	published    map[string]int
	groups       map[string]*groupRecord
	backups      map[string][]byte
	failures     map[string]*failure
	counts       map[string]int
}

// hardenerSeed stretches a seed of any length to the 32 bytes the password
// hardener takes. An empty seed is replaced by random bytes.
func hardenerSeed(seed []byte) ([]byte, error) {
	if len(seed) == 0 {
		out := make([]byte, sha256.Size)
		if _, err := rand.Read(out); err != nil {
			return nil, err
		}
		return out, nil
	}
	sum := sha256.Sum256(seed)
	return sum[:], nil
}

// New creates a backend.
func New(cfg Config) (*Backend, error) {
	seed, err := hardenerSeed(cfg.HardenerSeed)
	if err != nil {
		return nil, err
	}
	hardener, err := crypto.NewPasswordHardener(seed)
	if err != nil {
		return nil, err
	}

	burst := cfg.TransformBurst
	if burst == 0 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	b := &Backend{
		hardener:     hardener,
		limiter:      newKeyLimiter(cfg.TransformRate, burst),
		logger:       logger,
		denied:       make(map[string]bool),
		authTokens:   make(map[string]string),
		accessTokens: make(map[string]string),
		cards:        make(map[string]*api.Card),
		published:    make(map[string]int),
		groups:       make(map[string]*groupRecord),
		backups:      make(map[string][]byte),
		failures:     make(map[string]*failure),
		counts:       make(map[string]int),
	}
	b.routes()
	return b, nil
}

func (b *Backend) routes() {
	b.mux = http.NewServeMux()
	b.handle("POST /authenticate", b.handleAuthenticate, false)
	b.handle("GET /virgil-jwt", b.handleExchange, false)

	b.handle("POST /cards/actions/search", b.handleSearchCards, true)
	b.handle("POST /cards", b.handlePublishCard, true)
	b.handle("PUT /cards/{identity}", b.handleReplaceCard, true)
	b.handle("DELETE /cards/{identity}", b.handleRevokeCard, true)

	b.handle("POST /groups/{id}/tickets", b.handlePostTicket, true)
	b.handle("GET /groups/{id}/tickets", b.handleGetTickets, true)
	b.handle("DELETE /groups/{id}", b.handleDeleteGroup, true)

	b.handle("POST /backup/password-transform", b.handleTransform, true)
	b.handle("PUT /backup/key", b.handlePutBackup, true)
	b.handle("GET /backup/key", b.handleGetBackup, true)
	b.handle("DELETE /backup/key", b.handleDeleteBackup, true)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, identity string)

// handle registers h under pattern. Authenticated handlers receive the
// identity bound to the bearer access token.
func (b *Backend) handle(pattern string, h handlerFunc, authenticated bool) {
	b.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.counts[pattern]++
		f := b.failures[pattern]
		injected := 0
		if f != nil && f.remaining > 0 {
			f.remaining--
			injected = f.status
		}
		b.mu.Unlock()

		if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		if injected != 0 {
			writeError(w, injected, "", "injected failure")
			return
		}

		var identity string
		if authenticated {
			token, ok := bearer(r)
			b.mu.Lock()
			identity = b.accessTokens[token]
			b.mu.Unlock()
			if !ok || identity == "" {
				writeError(w, http.StatusUnauthorized, "", "invalid or expired access token")
				return
			}
		}

		b.logger.Debug("request", "route", pattern, "identity", identity)
		h(w, r, identity)
	})
}

// ServeHTTP implements http.Handler.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

func bearer(r *http.Request) (string, bool) {
	return strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed request body")
		return false
	}
	return true
}

// Test hooks.

// DenyIdentity makes /authenticate refuse identity.
func (b *Backend) DenyIdentity(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denied[identity] = true
}

// ExpireTokens invalidates every issued access token.
func (b *Backend) ExpireTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.accessTokens)
}

// FailNext makes the next n requests to route fail with status. Routes are
// the method and pattern, e.g. "POST /cards".
func (b *Backend) FailNext(route string, status, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[route] = &failure{status: status, remaining: n}
}

// RequestCount returns the number of requests received on route.
func (b *Backend) RequestCount(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[route]
}

// CurrentCard returns the published card of identity.
func (b *Backend) CurrentCard(identity string) (api.Card, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	card, ok := b.cards[identity]
	if !ok {
		return api.Card{}, false
	}
	return *card, true
}

// PublishCount returns how many first cards were published for identity.
func (b *Backend) PublishCount(identity string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[identity]
}

// PutCard stores card as the current card of its identity without any
// checks, for tests that need malformed directory entries.
func (b *Backend) PutCard(card api.Card) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if card.ID == "" {
		card.ID = cardID(&card)
	}
	b.cards[card.Identity] = &card
}

// AppendGroupTicket appends ticket to an existing group without any checks,
// for tests that need epochs the initiator did not post.
func (b *Backend) AppendGroupTicket(groupID string, ticket api.GroupTicket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.groups[groupID]; ok {
		g.tickets = append(g.tickets, ticket)
	}
}

// Auth endpoints.

func (b *Backend) handleAuthenticate(w http.ResponseWriter, r *http.Request, _ string) {
	var req struct {
		Identity string `json:"identity"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Identity == "" {
		writeError(w, http.StatusBadRequest, "", "identity is required")
		return
	}

	b.mu.Lock()
	denied := b.denied[req.Identity]
	token := uuid.NewString()
	if !denied {
		b.authTokens[token] = req.Identity
	}
	b.mu.Unlock()

	if denied {
		writeError(w, http.StatusForbidden, "", "identity is not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authToken": token})
}

// handleExchange trades a single-use auth token for an access token.
func (b *Backend) handleExchange(w http.ResponseWriter, r *http.Request, _ string) {
	authToken, _ := bearer(r)

	b.mu.Lock()
	identity, ok := b.authTokens[authToken]
	delete(b.authTokens, authToken)
	access := uuid.NewString()
	if ok {
		b.accessTokens[access] = identity
	}
	b.mu.Unlock()

	if !ok {
		writeError(w, http.StatusUnauthorized, "", "invalid auth token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"virgilToken": access})
}

// Cards.

func cardID(card *api.Card) string {
	h := sha256.New()
	h.Write([]byte(card.Identity))
	h.Write(card.PublicKey)
	h.Write([]byte(card.CreatedAt.UTC().Format(time.RFC3339Nano)))
	return base58.Encode(h.Sum(nil)[:16])
}

func (b *Backend) handleSearchCards(w http.ResponseWriter, r *http.Request, _ string) {
	var req struct {
		Identities []string `json:"identities"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	b.mu.Lock()
	cards := make([]api.Card, 0, len(req.Identities))
	for _, id := range req.Identities {
		if card, ok := b.cards[id]; ok {
			cards = append(cards, *card)
		}
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

func (b *Backend) handlePublishCard(w http.ResponseWriter, r *http.Request, identity string) {
	var card api.Card
	if !readJSON(w, r, &card) {
		return
	}
	if card.Identity != identity {
		writeError(w, http.StatusForbidden, "", "card identity does not match token")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.cards[identity]; exists {
		writeError(w, http.StatusConflict, apierrors.CodeAlreadyRegistered, "identity is already registered")
		return
	}
	card.ID = cardID(&card)
	b.cards[identity] = &card
	b.published[identity]++
	writeJSON(w, http.StatusCreated, card)
}

func (b *Backend) handleReplaceCard(w http.ResponseWriter, r *http.Request, identity string) {
	var req struct {
		PreviousCardID string   `json:"previous_card_id"`
		Card           api.Card `json:"card"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if r.PathValue("identity") != identity || req.Card.Identity != identity {
		writeError(w, http.StatusForbidden, "", "card identity does not match token")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.cards[identity]
	if !ok {
		writeError(w, http.StatusNotFound, "", "card not found")
		return
	}
	if req.PreviousCardID != current.ID || req.Card.PreviousCardID != current.ID {
		writeError(w, http.StatusConflict, apierrors.CodeCardMismatch, "previous card is not current")
		return
	}

	card := req.Card
	card.ID = cardID(&card)
	b.cards[identity] = &card
	writeJSON(w, http.StatusOK, card)
}

func (b *Backend) handleRevokeCard(w http.ResponseWriter, r *http.Request, identity string) {
	if r.PathValue("identity") != identity {
		writeError(w, http.StatusForbidden, "", "card identity does not match token")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cards[identity]; !ok {
		writeError(w, http.StatusNotFound, "", "card not found")
		return
	}
	delete(b.cards, identity)
	w.WriteHeader(http.StatusNoContent)
}

// Groups.

func (b *Backend) handlePostTicket(w http.ResponseWriter, r *http.Request, identity string) {
	var ticket api.GroupTicket
	if !readJSON(w, r, &ticket) {
		return
	}
	groupID := r.PathValue("id")
	if !slices.Contains(ticket.Members, identity) {
		writeError(w, http.StatusBadRequest, "", "initiator must be a member")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	g, exists := b.groups[groupID]

	if ticket.Epoch == 0 {
		if exists {
			writeError(w, http.StatusConflict, apierrors.CodeGroupExists, "group already exists")
			return
		}
		b.groups[groupID] = &groupRecord{initiator: identity, tickets: []api.GroupTicket{ticket}}
		w.WriteHeader(http.StatusCreated)
		return
	}

	if !exists {
		writeError(w, http.StatusNotFound, "", "group not found")
		return
	}
	if g.initiator != identity {
		writeError(w, http.StatusForbidden, apierrors.CodeNotInitiator, "only the initiator can modify the group")
		return
	}
	latest := g.tickets[len(g.tickets)-1].Epoch
	if ticket.Epoch != latest+1 {
		writeError(w, http.StatusConflict, apierrors.CodeEpochConflict, "epoch does not follow the latest epoch")
		return
	}
	g.tickets = append(g.tickets, ticket)
	w.WriteHeader(http.StatusCreated)
}

func (b *Backend) handleGetTickets(w http.ResponseWriter, r *http.Request, identity string) {
	groupID := r.PathValue("id")

	b.mu.Lock()
	g, ok := b.groups[groupID]
	var visible []api.GroupTicket
	var initiator string
	if ok {
		initiator = g.initiator
		for _, t := range g.tickets {
			if slices.Contains(t.Members, identity) {
				visible = append(visible, t)
			}
		}
	}
	b.mu.Unlock()

	if len(visible) == 0 {
		writeError(w, http.StatusNotFound, "", "group not found")
		return
	}
	writeJSON(w, http.StatusOK, api.GroupTickets{GroupID: groupID, Initiator: initiator, Tickets: visible})
}

func (b *Backend) handleDeleteGroup(w http.ResponseWriter, r *http.Request, identity string) {
	groupID := r.PathValue("id")

	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupID]
	if !ok {
		writeError(w, http.StatusNotFound, "", "group not found")
		return
	}
	if g.initiator != identity {
		writeError(w, http.StatusForbidden, apierrors.CodeNotInitiator, "only the initiator can delete the group")
		return
	}
	delete(b.groups, groupID)
	w.WriteHeader(http.StatusNoContent)
}

// Backup.

func (b *Backend) handleTransform(w http.ResponseWriter, r *http.Request, identity string) {
	var req struct {
		Blinded []byte `json:"blinded"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if now := time.Now(); !b.limiter.allow(identity, now) {
		wait := b.limiter.retryAfter(identity, now)
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(wait.Seconds())))))
		writeError(w, http.StatusTooManyRequests, "", "too many password attempts")
		return
	}

	transformed, err := b.hardener.Transform(identity, req.Blinded)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid blinded password")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]byte{"transformed": transformed})
}

func (b *Backend) handlePutBackup(w http.ResponseWriter, r *http.Request, identity string) {
	var req api.KeyBackup
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Blob) == 0 {
		writeError(w, http.StatusBadRequest, "", "backup blob is required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.backups[identity]; exists && !req.Overwrite {
		writeError(w, http.StatusConflict, apierrors.CodeBackupExists, "backup already exists")
		return
	}
	b.backups[identity] = req.Blob
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleGetBackup(w http.ResponseWriter, _ *http.Request, identity string) {
	b.mu.Lock()
	blob, ok := b.backups[identity]
	b.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "", "backup not found")
		return
	}
	writeJSON(w, http.StatusOK, api.KeyBackup{Blob: blob})
}

func (b *Backend) handleDeleteBackup(w http.ResponseWriter, _ *http.Request, identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.backups[identity]; !ok {
		writeError(w, http.StatusNotFound, "", "backup not found")
		return
	}
	delete(b.backups, identity)
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/hfi/flagpool/internal/challenge"
	"github.com/hfi/flagpool/internal/keyfile"
	"github.com/hfi/flagpool/internal/lease"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChallengeResponse is a challenge as returned by create and update
type ChallengeResponse struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	State       string `json:"state"`
	Value       int    `json:"value"`
	Initial     int    `json:"initial"`
	Minimum     int    `json:"minimum"`
	Decay       int    `json:"decay"`
	Scheme      string `json:"scheme"`
	Category    string `json:"category"`
	MinQueries  int    `json:"min_queries"`
	MaxQueries  int    `json:"max_queries"`
	Interval    int    `json:"interval"`
}

func toChallengeResponse(ch *challenge.Challenge) ChallengeResponse {
	return ChallengeResponse{
		ID:          ch.ID,
		Type:        ch.Type,
		Name:        ch.Name,
		Description: ch.Description,
		State:       ch.State,
		Value:       ch.Value,
		Initial:     ch.Initial,
		Minimum:     ch.Minimum,
		Decay:       ch.Decay,
		Scheme:      ch.Scheme,
		Category:    ch.Category,
		MinQueries:  ch.MinQueries,
		MaxQueries:  ch.MaxQueries,
		Interval:    ch.Interval,
	}
}

// AttemptRequest is the body of an attempt, as JSON or a form
type AttemptRequest struct {
	Submission string `json:"submission" form:"submission"`
	AccountID  int64  `json:"account_id" form:"account_id"`
}

// AttemptResponse reports an attempt's outcome
type AttemptResponse struct {
	Correct bool   `json:"correct"`
	Message string `json:"message"`
}

// PoolEntry is the unassigned count of one (scheme, category) pair
type PoolEntry struct {
	Scheme     string `json:"scheme"`
	Category   string `json:"category"`
	Unassigned int    `json:"unassigned"`
}

// PoolStatsResponse summarizes the pool
type PoolStatsResponse struct {
	Leased     int         `json:"leased"`
	Unassigned []PoolEntry `json:"unassigned"`
}

// PublicKeyResponse describes the encryption key
type PublicKeyResponse struct {
	N    string `json:"n"`
	E    int    `json:"e"`
	Bits int    `json:"bits"`
	PEM  string `json:"pem"`
}

func (s *Server) handleCreate(c *gin.Context) {
	fields, ok := bindFields(c)
	if !ok {
		return
	}
	tag, _ := fields.String("type")
	if tag == "" {
		tag = challenge.OracleTag
	}
	typ, err := s.registry.Get(tag)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ch, err := typ.Create(c.Request.Context(), fields)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toChallengeResponse(ch))
}

func (s *Server) handleRead(c *gin.Context) {
	ch, typ, ok := s.load(c)
	if !ok {
		return
	}
	view, err := typ.Read(c.Request.Context(), ch)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleUpdate(c *gin.Context) {
	ch, typ, ok := s.load(c)
	if !ok {
		return
	}
	fields, ok := bindFields(c)
	if !ok {
		return
	}
	updated, err := typ.Update(c.Request.Context(), ch, fields)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toChallengeResponse(updated))
}

func (s *Server) handleDelete(c *gin.Context) {
	ch, typ, ok := s.load(c)
	if !ok {
		return
	}
	if err := typ.Delete(c.Request.Context(), ch); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAttempt(c *gin.Context) {
	ch, typ, ok := s.load(c)
	if !ok {
		return
	}
	var req AttemptRequest
	if err := c.ShouldBind(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	correct, msg, err := typ.Attempt(c.Request.Context(), ch, req.Submission, req.AccountID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, AttemptResponse{Correct: correct, Message: msg})
}

func (s *Server) handlePoolStats(c *gin.Context) {
	stats, err := s.pool.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := PoolStatsResponse{Leased: stats.Leased, Unassigned: make([]PoolEntry, 0, len(stats.Unassigned))}
	for pair, n := range stats.Unassigned {
		resp.Unassigned = append(resp.Unassigned, PoolEntry{Scheme: pair.Scheme, Category: pair.Category, Unassigned: n})
	}
	sort.Slice(resp.Unassigned, func(i, j int) bool {
		a, b := resp.Unassigned[i], resp.Unassigned[j]
		if a.Scheme != b.Scheme {
			return a.Scheme < b.Scheme
		}
		return a.Category < b.Category
	})
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePublicKey(c *gin.Context) {
	out, err := keyfile.PublicPEM(s.pub)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PublicKeyResponse{
		N:    hex.EncodeToString(s.pub.N.Bytes()),
		E:    s.pub.E,
		Bits: s.pub.N.BitLen(),
		PEM:  string(out),
	})
}

// load resolves the :id parameter to a challenge and its type
func (s *Server) load(c *gin.Context) (*challenge.Challenge, challenge.Type, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "id must be a positive integer")
		return nil, nil, false
	}
	ch, err := s.repo.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return nil, nil, false
	}
	typ, err := s.registry.For(ch)
	if err != nil {
		s.writeError(c, err)
		return nil, nil, false
	}
	return ch, typ, true
}

// bindFields reads create/update input from a JSON body or a form
func bindFields(c *gin.Context) (challenge.Fields, bool) {
	fields := challenge.Fields{}
	if c.ContentType() == binding.MIMEJSON {
		dec := json.NewDecoder(c.Request.Body)
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
			return nil, false
		}
		return fields, true
	}
	if err := c.Request.ParseForm(); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_FORM", "invalid form body")
		return nil, false
	}
	for k, v := range c.Request.PostForm {
		fields[k] = v
	}
	return fields, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, challenge.ErrNotFound), errors.Is(err, lease.ErrUnknownChallenge):
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "challenge not found")
	case errors.Is(err, challenge.ErrInvalid):
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, challenge.ErrUnknownType):
		writeErrorCode(c, http.StatusBadRequest, "UNKNOWN_TYPE", err.Error())
	case errors.Is(err, lease.ErrPoolExhausted):
		writeErrorCode(c, http.StatusServiceUnavailable, "POOL_EXHAUSTED", "no flag available, retry later")
	default:
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		writeErrorCode(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}

package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pacerlabs/stride/internal/record"
	"github.com/pacerlabs/stride/internal/recurrence"
	"github.com/pacerlabs/stride/internal/registry"
	"github.com/pacerlabs/stride/internal/relay"
	"github.com/pacerlabs/stride/internal/roster"
	"go.uber.org/zap"
)

const userIDContextKey = "stride_user_id"

var (
	errMissingSessions = errors.New("session manager dependency required")
	errMissingRegistry = errors.New("registry service dependency required")
	errMissingRosters  = errors.New("roster service dependency required")
	errMissingEngine   = errors.New("relay engine dependency required")
	errMissingSigner   = errors.New("record signer dependency required")
)

// SessionTokens issues and validates gateway bearer tokens.
type SessionTokens interface {
	IssueSessionToken(userID string) (string, int64, error)
	ValidateSessionToken(token string) (string, error)
}

// Dependencies wires the gateway to the registry core.
type Dependencies struct {
	Sessions      SessionTokens
	Registry      *registry.Service
	Rosters       *roster.Service
	Engine        *relay.Engine
	Signer        record.Signer
	Payments      registry.PaymentLookup
	Logger        *zap.Logger
	PublishQuorum int
}

// NewHTTPHandler builds the local HTTP gateway the mobile UI talks to.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Rosters == nil {
		return nil, errMissingRosters
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Signer == nil {
		return nil, errMissingSigner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	quorum := deps.PublishQuorum
	if quorum <= 0 {
		quorum = 1
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &gatewayHandler{
		sessions: deps.Sessions,
		registry: deps.Registry,
		rosters:  deps.Rosters,
		engine:   deps.Engine,
		signer:   deps.Signer,
		payments: deps.Payments,
		logger:   logger,
		quorum:   quorum,
	}

	router.POST("/session", handler.handleSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/competitions", handler.handleCreateCompetition)
	protected.GET("/teams/:teamID/competitions", handler.handleListTeamCompetitions)
	protected.GET("/teams/:teamID/conflicts", handler.handleTeamConflicts)
	protected.POST("/competitions/:owner/:dtag/join", handler.handleJoinCompetition)
	protected.POST("/competitions/:owner/:dtag/leave", handler.handleLeaveCompetition)
	protected.GET("/rosters/:owner/:dtag/members/:member", handler.handleMembershipCheck)

	return router, nil
}

type gatewayHandler struct {
	sessions SessionTokens
	registry *registry.Service
	rosters  *roster.Service
	engine   *relay.Engine
	signer   record.Signer
	payments registry.PaymentLookup
	logger   *zap.Logger
	quorum   int
}

func (h *gatewayHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.sessions.ValidateSessionToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *gatewayHandler) sessionUser(c *gin.Context) string {
	value, _ := c.Get(userIDContextKey)
	userID, _ := value.(string)
	return userID
}

type sessionRequestPayload struct {
	UserID string `json:"user_id"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *gatewayHandler) handleSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	token, expiresIn, err := h.sessions.IssueSessionToken(strings.TrimSpace(request.UserID))
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type schedulePayload struct {
	StartAt         int64  `json:"start_at,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	Frequency       string `json:"frequency,omitempty"`
	AnchorDay       string `json:"anchor_day,omitempty"`
	AnchorAt        int64  `json:"anchor_at,omitempty"`
}

type settingsPayload struct {
	ApprovalRequired bool  `json:"approval_required,omitempty"`
	Capacity         int   `json:"capacity,omitempty"`
	EntryFeeSats     int64 `json:"entry_fee_sats,omitempty"`
}

type createCompetitionPayload struct {
	TeamID         string          `json:"team_id"`
	Name           string          `json:"name"`
	Kind           string          `json:"kind"`
	Schedule       schedulePayload `json:"schedule"`
	Settings       settingsPayload `json:"settings"`
	InitialMembers []string        `json:"initial_members"`
}

type syncResultPayload struct {
	QuorumReached    bool     `json:"quorum_reached"`
	RespondingRelays int      `json:"responding_relays"`
	Errors           []string `json:"errors,omitempty"`
}

func toSyncResultPayload(result relay.SyncResult) syncResultPayload {
	return syncResultPayload{
		QuorumReached:    result.QuorumReached,
		RespondingRelays: result.RespondingRelays,
		Errors:           result.Errors,
	}
}

type createCompetitionResponse struct {
	Owner        string            `json:"owner"`
	DTag         string            `json:"d_tag"`
	RosterDTag   string            `json:"roster_d_tag"`
	DefinitionOK bool              `json:"definition_ok"`
	RosterOK     bool              `json:"roster_ok"`
	Definition   syncResultPayload `json:"definition_result"`
	Roster       syncResultPayload `json:"roster_result"`
}

// handleCreateCompetition maps the tri-state creation outcome onto
// status codes: 200 full success, 207 partial replication, 502 nothing
// replicated, 409 business-rule refusal.
func (h *gatewayHandler) handleCreateCompetition(c *gin.Context) {
	var request createCompetitionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	def := registry.Definition{
		TeamID: request.TeamID,
		Name:   request.Name,
		Kind:   registry.Kind(request.Kind),
		Schedule: registry.Schedule{
			StartAt:         request.Schedule.StartAt,
			DurationMinutes: request.Schedule.DurationMinutes,
			Frequency:       recurrence.Frequency(request.Schedule.Frequency),
			AnchorDay:       request.Schedule.AnchorDay,
			AnchorAt:        request.Schedule.AnchorAt,
		},
		Settings: registry.Settings{
			ApprovalRequired: request.Settings.ApprovalRequired,
			Capacity:         request.Settings.Capacity,
			EntryFeeSats:     request.Settings.EntryFeeSats,
		},
	}

	outcome, err := h.registry.CreateCompetition(c.Request.Context(), h.sessionUser(c), def, request.InitialMembers)
	if errors.Is(err, registry.ErrConflictingActive) {
		c.JSON(http.StatusConflict, gin.H{"error": "conflicting_active_competition"})
		return
	}
	if errors.Is(err, registry.ErrInvalidDefinition) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_definition", "detail": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("competition create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	response := createCompetitionResponse{
		Owner:        outcome.Definition.Key.Author,
		DTag:         outcome.Definition.Key.DTag,
		RosterDTag:   outcome.Definition.RosterDTag,
		DefinitionOK: outcome.DefOK,
		RosterOK:     outcome.ListOK,
		Definition:   toSyncResultPayload(outcome.DefResult),
		Roster:       toSyncResultPayload(outcome.ListResult),
	}
	switch {
	case outcome.Succeeded():
		c.JSON(http.StatusOK, response)
	case outcome.PartialFailure():
		c.JSON(http.StatusMultiStatus, response)
	default:
		c.JSON(http.StatusBadGateway, response)
	}
}

type definitionPayload struct {
	Owner     string          `json:"owner"`
	DTag      string          `json:"d_tag"`
	TeamID    string          `json:"team_id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	Active    bool            `json:"active"`
	Schedule  schedulePayload `json:"schedule"`
	Roster    string          `json:"roster_d_tag,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

func toDefinitionPayload(def registry.Definition, now time.Time) definitionPayload {
	return definitionPayload{
		Owner:  def.Key.Author,
		DTag:   def.Key.DTag,
		TeamID: def.TeamID,
		Name:   def.Name,
		Kind:   string(def.Kind),
		Status: string(def.Status),
		Active: registry.IsActive(def, now),
		Schedule: schedulePayload{
			StartAt:         def.Schedule.StartAt,
			DurationMinutes: def.Schedule.DurationMinutes,
			Frequency:       string(def.Schedule.Frequency),
			AnchorDay:       def.Schedule.AnchorDay,
			AnchorAt:        def.Schedule.AnchorAt,
		},
		Roster:    def.RosterDTag,
		UpdatedAt: def.UpdatedAt,
	}
}

func (h *gatewayHandler) handleListTeamCompetitions(c *gin.Context) {
	teamID := c.Param("teamID")
	var statusFilter *registry.Status
	if raw := c.Query("status"); raw != "" {
		status := registry.Status(raw)
		statusFilter = &status
	}
	var sinceWindow time.Duration
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		sinceWindow = parsed
	}

	definitions, err := h.registry.QueryByTeam(c.Request.Context(), teamID, statusFilter, sinceWindow)
	if err != nil {
		h.logger.Error("team query failed", zap.String("team_id", teamID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	now := time.Now()
	payloads := make([]definitionPayload, 0, len(definitions))
	for _, def := range definitions {
		payloads = append(payloads, toDefinitionPayload(def, now))
	}
	c.JSON(http.StatusOK, gin.H{"competitions": payloads})
}

func (h *gatewayHandler) handleTeamConflicts(c *gin.Context) {
	teamID := c.Param("teamID")
	report, err := h.registry.HasConflictingActive(c.Request.Context(), teamID)
	if err != nil {
		h.logger.Error("conflict check failed", zap.String("team_id", teamID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conflict_check_failed"})
		return
	}
	now := time.Now()
	details := make([]definitionPayload, 0, len(report.Details))
	for _, def := range report.Details {
		details = append(details, toDefinitionPayload(def, now))
	}
	c.JSON(http.StatusOK, gin.H{
		"active_leagues": report.ActiveLeagues,
		"active_events":  report.ActiveEvents,
		"details":        details,
	})
}

type joinCompetitionPayload struct {
	MemberID  string `json:"member_id,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
}

// handleJoinCompetition runs the entry approval flow: capacity check,
// payment verification for fee-charging competitions, then a roster
// republish with the member added.
func (h *gatewayHandler) handleJoinCompetition(c *gin.Context) {
	owner := c.Param("owner")
	dTag := c.Param("dtag")
	var request joinCompetitionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	memberID := request.MemberID
	if memberID == "" {
		memberID = h.sessionUser(c)
	}

	def, err := h.registry.FetchDefinition(c.Request.Context(), owner, dTag)
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "competition_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("definition fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	if def.RosterDTag == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "roster_missing"})
		return
	}
	if def.Settings.ApprovalRequired && h.sessionUser(c) != def.Key.Author {
		c.JSON(http.StatusForbidden, gin.H{"error": "approval_required"})
		return
	}

	list, err := h.rosters.Fetch(c.Request.Context(), def.Key.Author, def.RosterDTag, record.KindPeopleRoster)
	if errors.Is(err, roster.ErrNotFound) {
		c.JSON(http.StatusConflict, gin.H{"error": "roster_missing"})
		return
	}
	if err != nil {
		h.logger.Error("roster fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	if def.Settings.Capacity > 0 && len(list.Members) >= def.Settings.Capacity {
		c.JSON(http.StatusConflict, gin.H{"error": "competition_full"})
		return
	}
	if def.Settings.EntryFeeSats > 0 {
		if h.payments == nil || request.PaymentID == "" {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_required"})
			return
		}
		paid, lookupErr := h.payments.LookupPayment(c.Request.Context(), request.PaymentID)
		if lookupErr != nil {
			h.logger.Error("payment lookup failed", zap.Error(lookupErr))
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment_lookup_failed"})
			return
		}
		if !paid {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_unpaid"})
			return
		}
	}

	rec, changed, err := h.rosters.AddMember(list, memberID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member"})
		return
	}
	if !changed {
		c.JSON(http.StatusOK, gin.H{"already_member": true})
		return
	}
	h.publishRosterChange(c, rec)
}

type leaveCompetitionPayload struct {
	MemberID string `json:"member_id,omitempty"`
}

func (h *gatewayHandler) handleLeaveCompetition(c *gin.Context) {
	owner := c.Param("owner")
	dTag := c.Param("dtag")
	var request leaveCompetitionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	memberID := request.MemberID
	if memberID == "" {
		memberID = h.sessionUser(c)
	}

	def, err := h.registry.FetchDefinition(c.Request.Context(), owner, dTag)
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "competition_not_found"})
		return
	}
	if err != nil || def.RosterDTag == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "roster_missing"})
		return
	}

	list, err := h.rosters.Fetch(c.Request.Context(), def.Key.Author, def.RosterDTag, record.KindPeopleRoster)
	if errors.Is(err, roster.ErrNotFound) {
		c.JSON(http.StatusConflict, gin.H{"error": "roster_missing"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}

	rec, changed, err := h.rosters.RemoveMember(list, memberID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member"})
		return
	}
	if !changed {
		c.JSON(http.StatusOK, gin.H{"already_absent": true})
		return
	}
	h.publishRosterChange(c, rec)
}

func (h *gatewayHandler) publishRosterChange(c *gin.Context, rec record.Record) {
	if err := h.signer.Sign(c.Request.Context(), &rec); err != nil {
		h.logger.Error("roster signing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_failed"})
		return
	}
	result, err := h.engine.Publish(c.Request.Context(), rec, h.quorum)
	if err != nil {
		h.logger.Error("roster publish failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
		return
	}
	payload := gin.H{"result": toSyncResultPayload(result)}
	if result.QuorumReached {
		c.JSON(http.StatusOK, payload)
		return
	}
	c.JSON(http.StatusBadGateway, payload)
}

func (h *gatewayHandler) handleMembershipCheck(c *gin.Context) {
	owner := c.Param("owner")
	dTag := c.Param("dtag")
	member := c.Param("member")

	ok, err := h.rosters.IsMember(c.Request.Context(), owner, dTag, record.KindPeopleRoster, member)
	if err != nil {
		h.logger.Error("membership check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership_check_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": ok})
}

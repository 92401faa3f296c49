package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shovinmd/arcular-plus-backend-sub000/auth"
	"github.com/shovinmd/arcular-plus-backend-sub000/directory"
	"github.com/shovinmd/arcular-plus-backend-sub000/geo"
	"github.com/shovinmd/arcular-plus-backend-sub000/sos"
)

const (
	ctxUserID = "userID"
	ctxRole   = "role"
)

type sosService interface {
	SubmitCase(ctx context.Context, params sos.SubmitParams) (sos.SubmitResult, error)
	AcceptCase(ctx context.Context, caseID, responderID, agent string) (sos.Case, error)
	AdvanceCase(ctx context.Context, caseID, responderID string, to sos.CaseStatus, actor string) (sos.Case, error)
	CancelCase(ctx context.Context, caseID, requesterID, reason string) (sos.Case, error)
	ConfirmByRequester(ctx context.Context, caseID, requesterID string, kind sos.ConfirmKind) (sos.Case, error)
	GetCase(ctx context.Context, caseID string) (sos.Case, []sos.CandidateRecord, error)
	ListForResponder(ctx context.Context, responderID string, status sos.CandidateStatus) ([]sos.CandidateRecord, error)
	History(ctx context.Context, requesterID string, limit int) ([]sos.Case, error)
	CaseStats(ctx context.Context, filters sos.StatsFilters) (sos.Stats, error)
}

type escalationMonitor interface {
	Evaluate(ctx context.Context, caseID string, now time.Time) (sos.Evaluation, error)
}

type coordinationResolver interface {
	Resolve(ctx context.Context, caseID string, outcome sos.CoordinationStatus, details string) (sos.Case, error)
	Coordination(ctx context.Context, caseID string) (sos.Case, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type approvalRegistry interface {
	Lookup(kind string) (directory.Approvable, error)
}

// Server wires the HTTP surface to the dispatch services.
type Server struct {
	sosService  sosService
	monitor     escalationMonitor
	resolver    coordinationResolver
	authService authService
	approvals   approvalRegistry
	log         *zap.Logger
	now         func() time.Time
}

func NewServer(svc sosService, monitor escalationMonitor, resolver coordinationResolver, authSvc authService, approvals approvalRegistry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		sosService:  svc,
		monitor:     monitor,
		resolver:    resolver,
		authService: authSvc,
		approvals:   approvals,
		log:         log,
		now:         time.Now,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.POST("/auth/register", s.handleRegister)
	api.POST("/auth/login", s.handleLogin)

	authed := api.Group("")
	authed.Use(s.authRequired())

	authed.POST("/sos", s.handleSubmit)
	authed.GET("/sos/stats", s.handleStats)
	authed.GET("/sos/history", s.handleHistory)
	authed.GET("/sos/responder/:responderId", s.handleResponderCases)
	authed.GET("/sos/:id", s.handleGetCase)
	authed.POST("/sos/:id/accept", s.handleAccept)
	authed.POST("/sos/:id/status", s.handleStatus)
	authed.POST("/sos/:id/confirm", s.handleConfirm)
	authed.POST("/sos/:id/cancel", s.handleCancel)
	authed.GET("/sos/:id/escalation", s.handleEscalation)
	authed.GET("/sos/:id/coordination", s.handleGetCoordination)
	authed.POST("/sos/:id/coordination", s.handleResolveCoordination)

	admin := authed.Group("/providers")
	admin.Use(s.adminOnly())
	admin.POST("/:type/:id/approve", s.handleApprove)
	admin.POST("/:type/:id/reject", s.handleReject)

	return r
}

// --- middleware -------------------------------------------------------------

func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": "unauthorized"})
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthorized"})
			return
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxRole, string(role))
		c.Next()
	}
}

func (s *Server) adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxRole) != string(auth.RoleAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required", "code": "forbidden"})
			return
		}
		c.Next()
	}
}

// --- auth handlers ----------------------------------------------------------

func (s *Server) handleRegister(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	user, err := s.authService.Register(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateEmail) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "conflict"})
			return
		}
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":       user.ID,
		"email":    user.Email,
		"fullName": user.FullName,
		"role":     user.Role,
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	result, err := s.authService.Login(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token": result.Token,
		"user": gin.H{
			"id":       result.User.ID,
			"email":    result.User.Email,
			"fullName": result.User.FullName,
			"role":     result.User.Role,
		},
	})
}

// --- sos handlers -----------------------------------------------------------

type contactRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Relation string `json:"relation"`
}

type locationRequest struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type submitRequest struct {
	Name             string           `json:"name"`
	Phone            string           `json:"phone"`
	Email            string           `json:"email"`
	Age              *int             `json:"age"`
	Gender           string           `json:"gender"`
	EmergencyContact *contactRequest  `json:"emergencyContact"`
	Location         *locationRequest `json:"location"`
	Address          string           `json:"address"`
	City             string           `json:"city"`
	State            string           `json:"state"`
	PostalCode       string           `json:"postalCode"`
	EmergencyType    string           `json:"emergencyType"`
	Severity         string           `json:"severity"`
	Description      string           `json:"description"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	params := sos.SubmitParams{
		RequesterID:     c.GetString(ctxUserID),
		RequesterName:   req.Name,
		RequesterPhone:  req.Phone,
		RequesterEmail:  req.Email,
		RequesterAge:    req.Age,
		RequesterGender: req.Gender,
		Address:         req.Address,
		City:            req.City,
		State:           req.State,
		PostalCode:      req.PostalCode,
		EmergencyType:   sos.EmergencyType(req.EmergencyType),
		Severity:        sos.Severity(req.Severity),
		Description:     req.Description,
	}
	if req.EmergencyContact != nil {
		params.Contact = &sos.EmergencyContact{
			Name:     req.EmergencyContact.Name,
			Phone:    req.EmergencyContact.Phone,
			Relation: req.EmergencyContact.Relation,
		}
	}
	if req.Location != nil {
		params.Point = geo.Point{Longitude: req.Location.Longitude, Latitude: req.Location.Latitude}
	}

	result, err := s.sosService.SubmitCase(c.Request.Context(), params)
	if err != nil {
		s.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Merged {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"case":          toCaseResponse(result.Case),
		"merged":        result.Merged,
		"notifiedCount": result.CandidateCount,
	})
}

func (s *Server) handleGetCase(c *gin.Context) {
	id := c.Param("id")

	// Reads drive the escalation clocks: evaluating here keeps the engine
	// timer-free without letting a quiet case fall behind.
	if _, err := s.monitor.Evaluate(c.Request.Context(), id, s.now().UTC()); err != nil && !errors.Is(err, sos.ErrNotFound) {
		s.log.Warn("escalation evaluation failed", zap.String("case_id", id), zap.Error(err))
	}

	sosCase, records, err := s.sosService.GetCase(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"case":       toCaseResponse(sosCase),
		"candidates": toCandidateResponses(records),
	})
}

type acceptRequest struct {
	ResponderID string `json:"responderId"`
	Agent       string `json:"agent"`
}

func (s *Server) handleAccept(c *gin.Context) {
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	sosCase, err := s.sosService.AcceptCase(c.Request.Context(), c.Param("id"), req.ResponderID, req.Agent)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": toCaseResponse(sosCase)})
}

type statusRequest struct {
	ResponderID string `json:"responderId"`
	Status      string `json:"status"`
	Actor       string `json:"actor"`
}

func (s *Server) handleStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	sosCase, err := s.sosService.AdvanceCase(c.Request.Context(), c.Param("id"), req.ResponderID, sos.CaseStatus(req.Status), req.Actor)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": toCaseResponse(sosCase)})
}

type confirmRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleConfirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	sosCase, err := s.sosService.ConfirmByRequester(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID), sos.ConfirmKind(req.Type))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": toCaseResponse(sosCase)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(c *gin.Context) {
	// An empty body is a legitimate cancel without a reason.
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	sosCase, err := s.sosService.CancelCase(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID), req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": toCaseResponse(sosCase)})
}

func (s *Server) handleEscalation(c *gin.Context) {
	id := c.Param("id")
	eval, err := s.monitor.Evaluate(c.Request.Context(), id, s.now().UTC())
	if err != nil {
		s.writeError(c, err)
		return
	}
	sosCase, _, err := s.sosService.GetCase(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":              eval.Active,
		"escalationTriggered": sosCase.EscalationTriggered,
		"escalatedAt":         sosCase.EscalatedAt,
		"retryCount":          sosCase.RetryCount,
		"lastRetryAt":         sosCase.LastRetryAt,
		"evaluation": gin.H{
			"escalated":           eval.Escalated,
			"retried":             eval.Retried,
			"coordinationFlagged": eval.CoordinationFlagged,
		},
	})
}

func (s *Server) handleGetCoordination(c *gin.Context) {
	sosCase, err := s.resolver.Coordination(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, coordinationBody(sosCase))
}

type resolveRequest struct {
	Status  string `json:"status"`
	Details string `json:"details"`
}

func (s *Server) handleResolveCoordination(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	sosCase, err := s.resolver.Resolve(c.Request.Context(), c.Param("id"), sos.CoordinationStatus(req.Status), req.Details)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, coordinationBody(sosCase))
}

func (s *Server) handleResponderCases(c *gin.Context) {
	records, err := s.sosService.ListForResponder(c.Request.Context(),
		c.Param("responderId"), sos.CandidateStatus(c.Query("status")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": toCandidateResponses(records)})
}

func (s *Server) handleHistory(c *gin.Context) {
	cases, err := s.sosService.History(c.Request.Context(), c.GetString(ctxUserID), 50)
	if err != nil {
		s.writeError(c, err)
		return
	}
	items := make([]caseResponse, 0, len(cases))
	for _, sosCase := range cases {
		items = append(items, toCaseResponse(sosCase))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleStats(c *gin.Context) {
	filters := sos.StatsFilters{ResponderID: c.Query("responderId")}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "from must be RFC3339")
			return
		}
		filters.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "to must be RFC3339")
			return
		}
		filters.To = &t
	}

	stats, err := s.sosService.CaseStats(c.Request.Context(), filters)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":                stats.Total,
		"byStatus":             stats.ByStatus,
		"avgResponseLatencyMs": stats.AvgResponseLatencyMs,
	})
}

// --- provider approval handlers ---------------------------------------------

type approveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleApprove(c *gin.Context) {
	var req approveRequest
	_ = c.ShouldBindJSON(&req)

	approver, err := s.approvals.Lookup(c.Param("type"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := approver.Approve(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID), req.Notes); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(c *gin.Context) {
	var req rejectRequest
	_ = c.ShouldBindJSON(&req)

	approver, err := s.approvals.Lookup(c.Param("type"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := approver.Reject(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID), req.Reason); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

// --- error mapping ----------------------------------------------------------

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sos.ErrValidation), errors.Is(err, directory.ErrUnknownProviderType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation"})
	case errors.Is(err, sos.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": err.Error(), "code": "expired"})
	case errors.Is(err, sos.ErrNotFound), errors.Is(err, directory.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, sos.ErrConflict), errors.Is(err, directory.ErrAlreadyDecided):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "conflict"})
	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "validation"})
}

// --- response shapes --------------------------------------------------------

type locationPayload struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type acceptancePayload struct {
	ResponderID   string    `json:"responderId"`
	ResponderName string    `json:"responderName"`
	Agent         string    `json:"agent,omitempty"`
	At            time.Time `json:"at"`
}

type contactPayload struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Relation string `json:"relation,omitempty"`
}

type caseResponse struct {
	ID                string             `json:"id"`
	Status            string             `json:"status"`
	EmergencyType     string             `json:"emergencyType"`
	Severity          string             `json:"severity"`
	Description       *string            `json:"description,omitempty"`
	RequesterID       string             `json:"requesterId"`
	RequesterName     string             `json:"requesterName"`
	RequesterPhone    string             `json:"requesterPhone"`
	EmergencyContact  *contactPayload    `json:"emergencyContact,omitempty"`
	Location          *locationPayload   `json:"location,omitempty"`
	Address           string             `json:"address"`
	City              string             `json:"city"`
	State             *string            `json:"state,omitempty"`
	PostalCode        *string            `json:"postalCode,omitempty"`
	TimeoutAt         time.Time          `json:"timeoutAt"`
	AcceptedBy        *acceptancePayload `json:"acceptedBy,omitempty"`
	HospitalReachedAt *time.Time         `json:"hospitalReachedAt,omitempty"`
	AdmittedAt        *time.Time         `json:"admittedAt,omitempty"`
	DischargedAt      *time.Time         `json:"dischargedAt,omitempty"`
	CancelledAt       *time.Time         `json:"cancelledAt,omitempty"`
	TimedOutAt        *time.Time         `json:"timedOutAt,omitempty"`
	CancelReason      *string            `json:"cancelReason,omitempty"`
	ResponseLatencyMs *int64             `json:"responseLatencyMs,omitempty"`

	RequesterReachedConfirmedAt   *time.Time `json:"requesterReachedConfirmedAt,omitempty"`
	RequesterAdmissionConfirmedAt *time.Time `json:"requesterAdmissionConfirmedAt,omitempty"`

	EscalationTriggered bool       `json:"escalationTriggered"`
	EscalatedAt         *time.Time `json:"escalatedAt,omitempty"`
	RetryCount          int        `json:"retryCount"`

	CoordinationRequired bool    `json:"coordinationRequired"`
	CoordinationStatus   *string `json:"coordinationStatus,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toCaseResponse(c sos.Case) caseResponse {
	resp := caseResponse{
		ID:                c.ID,
		Status:            string(c.Status),
		EmergencyType:     string(c.EmergencyType),
		Severity:          string(c.Severity),
		Description:       c.Description,
		RequesterID:       c.RequesterID,
		RequesterName:     c.RequesterName,
		RequesterPhone:    c.RequesterPhone,
		Address:           c.Address,
		City:              c.City,
		State:             c.State,
		PostalCode:        c.PostalCode,
		TimeoutAt:         c.TimeoutAt,
		HospitalReachedAt: c.ReachedAt,
		AdmittedAt:        c.AdmittedAt,
		DischargedAt:      c.DischargedAt,
		CancelledAt:       c.CancelledAt,
		TimedOutAt:        c.TimedOutAt,
		CancelReason:      c.CancelReason,
		ResponseLatencyMs: c.ResponseLatencyMs,

		RequesterReachedConfirmedAt:   c.RequesterReachedConfirmedAt,
		RequesterAdmissionConfirmedAt: c.RequesterAdmissionConfirmedAt,

		EscalationTriggered:  c.EscalationTriggered,
		EscalatedAt:          c.EscalatedAt,
		RetryCount:           c.RetryCount,
		CoordinationRequired: c.CoordinationRequired,

		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if c.Contact != nil {
		resp.EmergencyContact = &contactPayload{
			Name:     c.Contact.Name,
			Phone:    c.Contact.Phone,
			Relation: c.Contact.Relation,
		}
	}
	if c.Point.Valid() {
		resp.Location = &locationPayload{Longitude: c.Point.Longitude, Latitude: c.Point.Latitude}
	}
	if c.AcceptedBy != nil {
		resp.AcceptedBy = &acceptancePayload{
			ResponderID:   c.AcceptedBy.ResponderID,
			ResponderName: c.AcceptedBy.ResponderName,
			Agent:         c.AcceptedBy.Agent,
			At:            c.AcceptedBy.At,
		}
	}
	if c.CoordinationStatus != nil {
		status := string(*c.CoordinationStatus)
		resp.CoordinationStatus = &status
	}
	return resp
}

type candidateResponse struct {
	ID                string     `json:"id"`
	CaseID            string     `json:"caseId"`
	ResponderID       string     `json:"responderId"`
	ResponderName     string     `json:"responderName"`
	DistanceKm        *float64   `json:"distanceKm,omitempty"`
	HospitalStatus    string     `json:"hospitalStatus"`
	RespondedAt       *time.Time `json:"respondedAt,omitempty"`
	RespondedBy       *string    `json:"respondedBy,omitempty"`
	ResponseLatencyMs *int64     `json:"responseLatencyMs,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

func toCandidateResponses(records []sos.CandidateRecord) []candidateResponse {
	out := make([]candidateResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, candidateResponse{
			ID:                rec.ID,
			CaseID:            rec.CaseID,
			ResponderID:       rec.ResponderID,
			ResponderName:     rec.ResponderName,
			DistanceKm:        rec.DistanceKm,
			HospitalStatus:    string(rec.HospitalStatus),
			RespondedAt:       rec.RespondedAt,
			RespondedBy:       rec.RespondedBy,
			ResponseLatencyMs: rec.ResponseLatencyMs,
			CreatedAt:         rec.CreatedAt,
		})
	}
	return out
}

func coordinationBody(c sos.Case) gin.H {
	body := gin.H{
		"caseId":               c.ID,
		"coordinationRequired": c.CoordinationRequired,
		"reason":               c.CoordinationReason,
		"status":               c.CoordinationStatus,
		"details":              c.CoordinationDetails,
		"resolvedAt":           c.CoordinationResolvedAt,
	}
	return body
}

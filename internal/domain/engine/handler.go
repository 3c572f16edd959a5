package engine

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/emergency"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledger"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/blobstore"
	"github.com/medledger/medledger/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group, admin *echo.Group) {
	api.POST("/records", h.SubmitRecord)
	api.GET("/records/:id", h.GetRecord)
	api.GET("/records/:id/payload", h.GetRecordPayload)

	api.POST("/patients/:patient/grants", h.GrantAccess)
	api.DELETE("/patients/:patient/grants/:provider", h.RevokeAccess)
	api.GET("/patients/:patient/account", h.GetAccount)
	api.POST("/patients/:patient/deactivate", h.DeactivateAccount)
	api.GET("/patients/:patient/audit", h.QueryAuditTrail)

	api.POST("/patients/:patient/emergency", h.RequestEmergencyAccess)
	api.DELETE("/emergency/:id", h.RevokeEmergencyAccess)

	op := admin.Group("", auth.RequireOperator())
	op.POST("/patients/:patient/audit/verify", h.VerifyAuditChain)
	op.POST("/patients/:patient/audit/resume", h.ResumeAuditChain)
}

type submitRecordRequest struct {
	Patient    string `json:"patient"`
	Type       string `json:"type"`
	Payload    string `json:"payload"` // base64
	Supersedes string `json:"supersedes,omitempty"`
}

func (h *Handler) SubmitRecord(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())

	var req submitRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patient, err := identity.Parse(req.Patient)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient address")
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "payload must be base64")
	}
	var supersedes *uuid.UUID
	if req.Supersedes != "" {
		id, err := uuid.Parse(req.Supersedes)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid supersedes id")
		}
		supersedes = &id
	}

	rec, err := h.engine.SubmitRecord(c.Request().Context(), actor, patient, payload, records.RecordType(req.Type), supersedes)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetRecord(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.engine.GetRecord(c.Request().Context(), actor, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetRecordPayload(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	// GetRecord performs (and audits) the authorization check.
	rec, err := h.engine.GetRecord(c.Request().Context(), actor, id)
	if err != nil {
		return mapError(err)
	}
	payload, err := h.engine.FetchPayload(c.Request().Context(), rec.ContentHash)
	if err != nil {
		return mapError(err)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", payload)
}

type grantRequest struct {
	Provider  string     `json:"provider"`
	Level     string     `json:"level"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) GrantAccess(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())
	patient, err := identity.Parse(c.Param("patient"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient address")
	}

	var req grantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	provider, err := identity.Parse(req.Provider)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid provider address")
	}
	level, err := ledger.ParseLevel(req.Level)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	g, err := h.engine.GrantAccess(c.Request().Context(), actor, patient, provider, level, req.ExpiresAt)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) RevokeAccess(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())
	patient, err := identity.Parse(c.Param("patient"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient address")
	}
	provider, err := identity.Parse(c.Param("provider"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid provider address")
	}
	if err := h.engine.RevokeAccess(c.Request().Context(), actor, patient, provider); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetAccount(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())
	patient, err := identity.Parse(c.Param("patient"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient address")
	}
	acct, err := h.engine.Account(c.Request().Context(), actor, patient)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, acct)
}

func (h *Handler) DeactivateAccount(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())
	patient, err := identity.Parse(c.Param("patient"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient address")
	}
	if err := h.engine.DeactivateAccount(c.Request().Context(), actor, patient); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) QueryAuditTrail(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())
	patient, err := identity.Parse(c.Param("patient"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient address")
	}
	pg := pagination.FromContext(c)

	entries, err := h.engine.QueryAuditTrail(c.Request().Context(), actor, patient, pg.After, pg.Limit)
	if err != nil {
		return mapError(err)
	}
	next := pg.After
	if len(entries) > 0 {
		next = entries[len(entries)-1].Sequence
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, pg, next, len(entries)))
}

type emergencyRequest struct {
	Reason     string `json:"reason"`
	Credential string `json:"credential"`
}

func (h *Handler) RequestEmergencyAccess(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())
	patient, err := identity.Parse(c.Param("patient"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient address")
	}
	var req emergencyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	session, err := h.engine.RequestEmergencyAccess(c.Request().Context(), actor, patient, req.Reason, req.Credential)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, session)
}

func (h *Handler) RevokeEmergencyAccess(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	session, err := h.engine.RevokeEmergencyAccess(c.Request().Context(), actor, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, session)
}

func (h *Handler) VerifyAuditChain(c echo.Context) error {
	patient, err := identity.Parse(c.Param("patient"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient address")
	}
	checked, err := h.engine.VerifyAuditChain(c.Request().Context(), patient)
	if err != nil {
		if errors.Is(err, audit.ErrChainIntegrity) {
			return c.JSON(http.StatusConflict, map[string]interface{}{
				"verified": checked,
				"error":    err.Error(),
			})
		}
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"verified": checked})
}

func (h *Handler) ResumeAuditChain(c echo.Context) error {
	patient, err := identity.Parse(c.Param("patient"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient address")
	}
	if err := h.engine.ResumeAuditChain(c.Request().Context(), patient); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// mapError translates domain sentinels to HTTP status codes.
func mapError(err error) error {
	switch {
	case errors.Is(err, ErrAccessDenied),
		errors.Is(err, ledger.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, records.ErrNotFound),
		errors.Is(err, blobstore.ErrBlobNotFound),
		errors.Is(err, emergency.ErrNoSession),
		errors.Is(err, ledger.ErrNoAccount):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, records.ErrUnknownPatient),
		errors.Is(err, ledger.ErrInvalidExpiry),
		errors.Is(err, records.ErrInvalidRecord),
		errors.Is(err, emergency.ErrReasonRequired),
		errors.Is(err, blobstore.ErrEmptyPayload):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, emergency.ErrAlreadyActive),
		errors.Is(err, emergency.ErrNotActive),
		errors.Is(err, ledger.ErrAccountInactive),
		errors.Is(err, audit.ErrChainHalted),
		errors.Is(err, audit.ErrChainIntegrity):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, emergency.ErrCredentialRejected):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, emergency.ErrVerificationTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

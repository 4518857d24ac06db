package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"twofa-service/internal/models"
	"twofa-service/internal/repository"
	"twofa-service/internal/service"
	"twofa-service/internal/twofa"
	"twofa-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

var errInternal = errors.New("internal error")

const maxBodyBytes = 16 << 10

// TwoFAHandler handles HTTP requests for 2FA operations
type TwoFAHandler struct {
	svc    *service.TwoFAService
	logger *zap.Logger
}

// NewTwoFAHandler creates a new 2FA handler
func NewTwoFAHandler(svc *service.TwoFAService, logger *zap.Logger) *TwoFAHandler {
	return &TwoFAHandler{
		svc:    svc,
		logger: logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// outcomeResponse reports a verification result. The request itself
// succeeded, so the HTTP status is always 200.
func outcomeResponse(out twofa.Outcome) Response {
	msg := "Code accepted"
	if !out.OK() {
		msg = "Code rejected"
	}
	return Response{Success: out.OK(), Data: out, Message: msg}
}

type verifyRequest struct {
	Code string `json:"code"`
}

type challengeRequest struct {
	Purpose string `json:"purpose"`
}

type contactRequest struct {
	Channel models.Method `json:"channel"`
}

// RegisterRoutes registers all 2FA routes
func (h *TwoFAHandler) RegisterRoutes(router chi.Router) {
	router.Route("/2fa/accounts/{accountClass}/{accountId}", func(r chi.Router) {
		r.Post("/", h.Enable)
		r.Get("/", h.Status)
		r.Delete("/", h.Disable)
		r.Patch("/settings", h.UpdateSettings)
		r.Post("/contacts/verify", h.VerifyContact)

		// Challenges and codes
		r.Post("/challenge", h.IssueChallenge)
		r.Post("/verify", h.Verify)
		r.Post("/authenticator", h.SetupAuthenticator)

		r.Post("/backup-codes", h.IssueBackupCodes)
		r.Post("/backup-codes/redeem", h.RedeemBackupCode)
		r.Get("/backup-codes/remaining", h.RemainingBackupCodes)

		// Trusted devices
		r.Post("/devices", h.TrustDevice)
		r.Get("/devices", h.ListDevices)
		r.Delete("/devices", h.RevokeAllDevices)
		r.Get("/devices/{deviceId}/trusted", h.IsTrusted)
		r.Delete("/devices/{deviceId}", h.RevokeDevice)

		r.Get("/security-log", h.SecurityLog)
	})
}

// Enable handles enabling 2FA
// @Summary Enable 2FA
// @Description Create or re-enable the 2FA record with a method and contact channels
// @Tags 2fa
// @Accept json
// @Produce json
// @Param request body service.EnableRequest true "Enable request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /2fa/accounts/{accountClass}/{accountId} [post]
func (h *TwoFAHandler) Enable(w http.ResponseWriter, r *http.Request) {
	var req service.EnableRequest
	if !h.decode(w, r, &req) {
		return
	}

	status, err := h.svc.EnableTwoFactor(r.Context(), accountKey(r), req, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to enable 2FA")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, "2FA enabled"))
}

func (h *TwoFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context(), accountKey(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get 2FA status")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, ""))
}

func (h *TwoFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DisableTwoFactor(r.Context(), accountKey(r), requestMeta(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to disable 2FA")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "2FA disabled"))
}

func (h *TwoFAHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch twofa.SettingsPatch
	if !h.decode(w, r, &patch) {
		return
	}

	settings, err := h.svc.UpdateSettings(r.Context(), accountKey(r), patch, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update settings")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(settings, "Settings updated"))
}

func (h *TwoFAHandler) VerifyContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.svc.MarkContactVerified(r.Context(), accountKey(r), req.Channel, requestMeta(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to verify contact")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Contact verified"))
}

// IssueChallenge handles OTP challenge creation
// @Summary Issue an OTP challenge
// @Description Generates a one-time code. The plaintext code is returned once for delivery.
// @Tags 2fa
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 409 {object} Response
// @Failure 429 {object} Response
// @Router /2fa/accounts/{accountClass}/{accountId}/challenge [post]
func (h *TwoFAHandler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	challenge, err := h.svc.IssueChallenge(r.Context(), accountKey(r), req.Purpose, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to issue challenge")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(challenge, "Challenge issued"))
}

// Verify handles code verification
// @Summary Verify a 2FA code
// @Description Checks an OTP or authenticator code. Rejections are reported in the outcome, not as errors.
// @Tags 2fa
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /2fa/accounts/{accountClass}/{accountId}/verify [post]
func (h *TwoFAHandler) Verify(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	key := accountKey(r)
	out, err := h.svc.Verify(r.Context(), key, req.Code, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to verify code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, outcomeResponse(out))
	h.logger.Info("2FA code verified via HTTP",
		util.Account(key.String()),
		util.String("status", out.Status.String()),
		util.Duration("duration", time.Since(startTime)))
}

func (h *TwoFAHandler) SetupAuthenticator(w http.ResponseWriter, r *http.Request) {
	setup, err := h.svc.SetupAuthenticator(r.Context(), accountKey(r), requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to set up authenticator")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(setup, "Authenticator configured"))
}

func (h *TwoFAHandler) IssueBackupCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.svc.IssueBackupCodes(r.Context(), accountKey(r), requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to generate backup codes")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"codes": codes,
	}, "Backup codes generated; previous codes are no longer valid"))
}

func (h *TwoFAHandler) RedeemBackupCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.svc.RedeemBackupCode(r.Context(), accountKey(r), req.Code, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to redeem backup code")
		return
	}
	h.respondWithJSON(w, http.StatusOK, outcomeResponse(out))
}

func (h *TwoFAHandler) RemainingBackupCodes(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RemainingBackupCodes(r.Context(), accountKey(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to count backup codes")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"remaining": n}, ""))
}

// TrustDevice handles device registration
// @Summary Trust a device
// @Description Registers a client fingerprint for the account's trust window
// @Tags devices
// @Accept json
// @Produce json
// @Param request body twofa.DeviceInfo true "Device fingerprint"
// @Success 201 {object} Response
// @Router /2fa/accounts/{accountClass}/{accountId}/devices [post]
func (h *TwoFAHandler) TrustDevice(w http.ResponseWriter, r *http.Request) {
	var info twofa.DeviceInfo
	if !h.decode(w, r, &info) {
		return
	}
	if info.IPAddress == "" {
		info.IPAddress = clientIP(r)
	}

	device, err := h.svc.TrustDevice(r.Context(), accountKey(r), info)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to trust device")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(deviceView(*device), "Device trusted"))
}

func (h *TwoFAHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.svc.ListDevices(r.Context(), accountKey(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list devices")
		return
	}
	views := make([]models.TrustedDevice, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView(d))
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(views, ""))
}

// deviceView escapes the caller-supplied fingerprint fields for output.
func deviceView(d models.TrustedDevice) models.TrustedDevice {
	d.DeviceName = util.SanitizeInput(d.DeviceName)
	d.DeviceType = util.SanitizeInput(d.DeviceType)
	d.Browser = util.SanitizeInput(d.Browser)
	d.OS = util.SanitizeInput(d.OS)
	d.IPAddress = util.SanitizeInput(d.IPAddress)
	return d
}

func (h *TwoFAHandler) IsTrusted(w http.ResponseWriter, r *http.Request) {
	trusted, err := h.svc.IsTrusted(r.Context(), accountKey(r), chi.URLParam(r, "deviceId"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to check device")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"trusted": trusted}, ""))
}

func (h *TwoFAHandler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	err := h.svc.RevokeDevice(r.Context(), accountKey(r), chi.URLParam(r, "deviceId"), requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to revoke device")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Device revoked"))
}

func (h *TwoFAHandler) RevokeAllDevices(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RevokeAllDevices(r.Context(), accountKey(r), requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to revoke devices")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"revoked": n}, "Devices revoked"))
}

// SecurityLog returns recent entries, newest first. ?limit caps the count.
func (h *TwoFAHandler) SecurityLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidInput, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.svc.SecurityLog(r.Context(), accountKey(r), limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to read security log")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(entries, ""))
}

// Helper Methods

func accountKey(r *http.Request) models.AccountKey {
	return models.AccountKey{
		AccountID:    chi.URLParam(r, "accountId"),
		AccountClass: models.AccountClass(chi.URLParam(r, "accountClass")),
	}
}

func requestMeta(r *http.Request) twofa.RequestMeta {
	return twofa.RequestMeta{
		IPAddress:  clientIP(r),
		DeviceInfo: util.SanitizeInput(r.UserAgent()),
	}
}

// clientIP strips the port from RemoteAddr. RealIP has already applied
// forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *TwoFAHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *TwoFAHandler) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return false
	}
	return true
}

// respondWithJSON sends a JSON response
func (h *TwoFAHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response. Internal errors are logged but
// not echoed to the client.
func (h *TwoFAHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	if statusCode >= http.StatusInternalServerError {
		err = errInternal
	}
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *TwoFAHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrAccountNotConfigured), errors.Is(err, service.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrTwoFactorDisabled), errors.Is(err, service.ErrAuthenticatorNotSetUp):
		return http.StatusConflict
	case errors.Is(err, service.ErrUnsupportedMethod):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrResendTooSoon), errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, repository.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

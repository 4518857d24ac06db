package service

import (
	"sync"
	"time"

	"twofa-service/internal/encryption"
	"twofa-service/internal/lock"
	"twofa-service/internal/repository"
	"twofa-service/internal/twofa"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	repo           repository.AccountRepository
	guard          *twofa.Guard
	locker         lock.Locker
	encryptionMgr  *encryption.EncryptionManager
	totp           *twofa.TOTPVerifier
	audit          AuditPublisher
	limiter        SendLimiter
	resendCooldown time.Duration
	logger         *zap.Logger

	once         sync.Once
	twofaService *TwoFAService
}

// NewServiceFactory creates a new service factory. audit and limiter may be nil.
func NewServiceFactory(
	repo repository.AccountRepository,
	guard *twofa.Guard,
	locker lock.Locker,
	encryptionMgr *encryption.EncryptionManager,
	totp *twofa.TOTPVerifier,
	audit AuditPublisher,
	limiter SendLimiter,
	resendCooldown time.Duration,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		repo:           repo,
		guard:          guard,
		locker:         locker,
		encryptionMgr:  encryptionMgr,
		totp:           totp,
		audit:          audit,
		limiter:        limiter,
		resendCooldown: resendCooldown,
		logger:         logger,
	}
}

// TwoFAService returns the 2FA service instance (singleton)
func (f *ServiceFactory) TwoFAService() *TwoFAService {
	f.once.Do(func() {
		deps := Dependencies{
			Repository:     f.repo,
			Guard:          f.guard,
			Locker:         f.locker,
			Sealer:         f.encryptionMgr,
			TOTP:           f.totp,
			Audit:          f.audit,
			SendLimiter:    f.limiter,
			ResendCooldown: f.resendCooldown,
			Logger:         f.logger,
		}
		f.twofaService = NewTwoFAService(deps)
	})
	return f.twofaService
}

// Cleanup drops cached key material.
func (f *ServiceFactory) Cleanup() {
	if f.encryptionMgr != nil {
		f.encryptionMgr.ClearCache()
	}
}

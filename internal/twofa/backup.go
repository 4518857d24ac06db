package twofa

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"twofa-service/internal/models"
)

// Upper-case alphanumerics without 0/O and 1/I/L.
const backupAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const backupCodeLength = 10

// IssueBackupCodes appends count fresh codes to the pool and returns their
// plaintexts formatted as XXXXX-XXXXX. Existing unused codes stay valid
// until the pool exceeds its limit; used codes and then the oldest unused
// ones are retired first.
func (g *Guard) IssueBackupCodes(acct *models.TwoFactorAccount, count int, meta RequestMeta) ([]string, error) {
	if count <= 0 {
		count = g.policy.BackupCodeCount
	}

	plain := make([]string, 0, count)
	entries := make([]models.BackupCode, 0, count)
	for i := 0; i < count; i++ {
		code, err := g.generateBackupCode()
		if err != nil {
			return nil, err
		}
		hash, err := g.hasher.HashBackupCode(code)
		if err != nil {
			return nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
		plain = append(plain, code[:backupCodeLength/2]+"-"+code[backupCodeLength/2:])
		entries = append(entries, models.BackupCode{CodeHash: hash})
	}

	before := len(acct.BackupCodes)
	acct.BackupCodes = trimBackupPool(append(acct.BackupCodes, entries...), g.policy.BackupCodePoolLimit)
	retired := before + count - len(acct.BackupCodes)

	details := fmt.Sprintf("%d codes issued", count)
	if retired > 0 {
		details += fmt.Sprintf(", %d retired", retired)
	}
	g.AppendLog(acct, ActionBackupCodesIssue, StatusSuccess, meta, details)
	return plain, nil
}

// trimBackupPool drops used codes, then the oldest unused codes beyond limit.
func trimBackupPool(codes []models.BackupCode, limit int) []models.BackupCode {
	out := make([]models.BackupCode, 0, len(codes))
	for _, bc := range codes {
		if !bc.Used {
			out = append(out, bc)
		}
	}
	if limit > 0 && len(out) > limit {
		out = append([]models.BackupCode(nil), out[len(out)-limit:]...)
	}
	return out
}

// RedeemBackupCode consumes a matching unused code. Redemption neither reads
// nor changes the lockout state.
func (g *Guard) RedeemBackupCode(acct *models.TwoFactorAccount, code string, meta RequestMeta) (Outcome, error) {
	now := g.Now()
	normalized := NormalizeBackupCode(code)

	out := outcome(StatusInvalidOrUsed)
	if normalized != "" {
		for i := range acct.BackupCodes {
			bc := &acct.BackupCodes[i]
			if bc.Used {
				continue
			}
			match, err := g.hasher.VerifyBackupCode(normalized, bc.CodeHash)
			if err != nil {
				return Outcome{}, fmt.Errorf("failed to verify backup code: %w", err)
			}
			if match {
				usedAt := now
				bc.Used = true
				bc.UsedAt = &usedAt
				out = outcome(StatusRedeemed)
				break
			}
		}
	}

	g.logVerification(acct, ActionBackupCodeUsed, ActionBackupCodeFailed, out, meta, now)
	return out, nil
}

// RemainingBackupCodes counts unused codes.
func RemainingBackupCodes(acct *models.TwoFactorAccount) int {
	n := 0
	for _, bc := range acct.BackupCodes {
		if !bc.Used {
			n++
		}
	}
	return n
}

// NormalizeBackupCode upper-cases the code and strips spaces and dashes.
func NormalizeBackupCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}
		return r
	}, code)
}

func (g *Guard) generateBackupCode() (string, error) {
	var sb strings.Builder
	size := big.NewInt(int64(len(backupAlphabet)))
	for i := 0; i < backupCodeLength; i++ {
		n, err := rand.Int(g.random, size)
		if err != nil {
			return "", fmt.Errorf("failed to generate backup code: %w", err)
		}
		sb.WriteByte(backupAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

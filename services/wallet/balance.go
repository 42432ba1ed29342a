package wallet

import (
	"context"
	"fmt"

	"taskmarket-platform/pkg/errutil"

	"gorm.io/gorm"
)

// Balance is derived from earnings and withdrawals on every read.
type Balance struct {
	UserID         string `json:"user_id"`
	Available      int64  `json:"available"`
	Frozen         int64  `json:"frozen"`
	TotalEarned    int64  `json:"total_earned"`
	TotalWithdrawn int64  `json:"total_withdrawn"`
}

// computeBalance derives the user's balance inside the given handle.
//
//	available = settled earnings - every non-rejected withdrawal
//	frozen    = pending earnings + withdrawals still in flight
//
// A withdrawal reserves funds from creation, so two requests can never
// spend the same settled cent.
func computeBalance(ctx context.Context, tx *gorm.DB, userID string) (*Balance, error) {
	var settled, pending int64
	if err := tx.WithContext(ctx).Model(&Earning{}).
		Where("user_id = ? AND status = ?", userID, EarningSettled).
		Select("COALESCE(SUM(amount), 0)").Scan(&settled).Error; err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&Earning{}).
		Where("user_id = ? AND status = ?", userID, EarningPending).
		Select("COALESCE(SUM(amount), 0)").Scan(&pending).Error; err != nil {
		return nil, err
	}

	var reserved, inFlight, completed int64
	if err := tx.WithContext(ctx).Model(&Withdrawal{}).
		Where("user_id = ? AND status <> ?", userID, WithdrawalRejected).
		Select("COALESCE(SUM(amount), 0)").Scan(&reserved).Error; err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&Withdrawal{}).
		Where("user_id = ? AND status IN ?", userID, []WithdrawalStatus{WithdrawalPending, WithdrawalApproved}).
		Select("COALESCE(SUM(amount), 0)").Scan(&inFlight).Error; err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&Withdrawal{}).
		Where("user_id = ? AND status = ?", userID, WithdrawalCompleted).
		Select("COALESCE(SUM(amount), 0)").Scan(&completed).Error; err != nil {
		return nil, err
	}

	available := settled - reserved
	if available < 0 {
		return nil, errutil.Internal(fmt.Sprintf("user %s balance is negative (%d)", userID, available))
	}

	return &Balance{
		UserID:         userID,
		Available:      available,
		Frozen:         pending + inFlight,
		TotalEarned:    settled,
		TotalWithdrawn: completed,
	}, nil
}

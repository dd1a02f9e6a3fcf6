package registry

import (
	"context"
	"database/sql"

	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

func (r *PostgresRegistry) GetPendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) (*PendingDownlink, error) {
	query := `SELECT dev_addr, phy_payload, confirmed, created_at FROM pending_downlinks WHERE dev_addr = $1`

	pd := &PendingDownlink{}
	var devAddrBytes []byte

	err := r.db.QueryRowContext(ctx, query, devAddr[:]).Scan(&devAddrBytes, &pd.PHYPayload, &pd.Confirmed, &pd.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	copy(pd.DevAddr[:], devAddrBytes)
	return pd, nil
}

func (r *PostgresRegistry) PutPendingDownlink(ctx context.Context, pd *PendingDownlink) error {
	query := `
		INSERT INTO pending_downlinks (dev_addr, phy_payload, confirmed, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dev_addr) DO UPDATE SET
			phy_payload = EXCLUDED.phy_payload,
			confirmed = EXCLUDED.confirmed,
			created_at = EXCLUDED.created_at`
	_, err := r.db.ExecContext(ctx, query, pd.DevAddr[:], pd.PHYPayload, pd.Confirmed, pd.CreatedAt)
	return err
}

func (r *PostgresRegistry) DeletePendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pending_downlinks WHERE dev_addr = $1`, devAddr[:])
	return err
}

func (t *postgresTx) DeletePendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM pending_downlinks WHERE dev_addr = $1`, devAddr[:])
	return err
}

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

func (r *PostgresRegistry) GetLink(ctx context.Context, devAddr lorawan.DevAddr) (*Link, error) {
	return getLink(ctx, r.db, devAddr)
}

func (r *PostgresRegistry) PutLink(ctx context.Context, link *Link) error {
	return putLink(ctx, r.db, link)
}

func (t *postgresTx) GetLink(ctx context.Context, devAddr lorawan.DevAddr) (*Link, error) {
	return getLink(ctx, t.tx, devAddr)
}

func (t *postgresTx) PutLink(ctx context.Context, link *Link) error {
	return putLink(ctx, t.tx, link)
}

func (t *postgresTx) DevAddrInUse(ctx context.Context, devAddr lorawan.DevAddr) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM links WHERE dev_addr = $1`, devAddr[:]).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *postgresTx) IncrementFCntDown(ctx context.Context, devAddr lorawan.DevAddr) (uint32, error) {
	var fCntDown uint32
	err := t.tx.QueryRowContext(ctx,
		`UPDATE links SET f_cnt_down = f_cnt_down + 1 WHERE dev_addr = $1 RETURNING f_cnt_down`,
		devAddr[:],
	).Scan(&fCntDown)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return fCntDown, err
}

func getLink(ctx context.Context, db execer, devAddr lorawan.DevAddr) (*Link, error) {
	query := `
		SELECT dev_addr, nwk_s_key, app_s_key, f_cnt_up, f_cnt_down,
		       adr_power_index, adr_data_rate_index, adr_channel_mask,
		       adr_in_use, adr_history, dev_status_battery, dev_status_margin,
		       dev_status_updated_at, last_rx_at, app, app_id
		FROM links WHERE dev_addr = $1`

	link := &Link{}
	var devAddrBytes, nwkSKeyBytes, appSKeyBytes, historyJSON []byte

	err := db.QueryRowContext(ctx, query, devAddr[:]).Scan(
		&devAddrBytes, &nwkSKeyBytes, &appSKeyBytes, &link.FCntUp, &link.FCntDown,
		&link.ADR.PowerIndex, &link.ADR.DataRateIndex, &link.ADR.ChannelMask,
		&link.ADRInUse, &historyJSON, &link.LastDevStatus.Battery, &link.LastDevStatus.Margin,
		&link.LastDevStatus.UpdatedAt, &link.LastRxAt, &link.App, &link.AppID,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(link.DevAddr[:], devAddrBytes)
	copy(link.NwkSKey[:], nwkSKeyBytes)
	copy(link.AppSKey[:], appSKeyBytes)
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &link.ADRHistory); err != nil {
			return nil, err
		}
	}
	return link, nil
}

func putLink(ctx context.Context, db execer, link *Link) error {
	historyJSON, err := json.Marshal(link.ADRHistory)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO links (
			dev_addr, nwk_s_key, app_s_key, f_cnt_up, f_cnt_down,
			adr_power_index, adr_data_rate_index, adr_channel_mask,
			adr_in_use, adr_history, dev_status_battery, dev_status_margin,
			dev_status_updated_at, last_rx_at, app, app_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (dev_addr) DO UPDATE SET
			nwk_s_key = EXCLUDED.nwk_s_key,
			app_s_key = EXCLUDED.app_s_key,
			f_cnt_up = EXCLUDED.f_cnt_up,
			f_cnt_down = EXCLUDED.f_cnt_down,
			adr_power_index = EXCLUDED.adr_power_index,
			adr_data_rate_index = EXCLUDED.adr_data_rate_index,
			adr_channel_mask = EXCLUDED.adr_channel_mask,
			adr_in_use = EXCLUDED.adr_in_use,
			adr_history = EXCLUDED.adr_history,
			dev_status_battery = EXCLUDED.dev_status_battery,
			dev_status_margin = EXCLUDED.dev_status_margin,
			dev_status_updated_at = EXCLUDED.dev_status_updated_at,
			last_rx_at = EXCLUDED.last_rx_at,
			app = EXCLUDED.app,
			app_id = EXCLUDED.app_id`

	if link.LastRxAt.IsZero() {
		link.LastRxAt = time.Now()
	}

	_, err = db.ExecContext(ctx, query,
		link.DevAddr[:], link.NwkSKey[:], link.AppSKey[:], link.FCntUp, link.FCntDown,
		link.ADR.PowerIndex, link.ADR.DataRateIndex, link.ADR.ChannelMask,
		link.ADRInUse, historyJSON, link.LastDevStatus.Battery, link.LastDevStatus.Margin,
		link.LastDevStatus.UpdatedAt, link.LastRxAt, link.App, link.AppID,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrDuplicateKey
	}
	return err
}

package registry

import (
	"context"
	"database/sql"
	"strings"

	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

func (r *PostgresRegistry) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error) {
	return getDevice(ctx, r.db, devEUI)
}

func (t *postgresTx) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error) {
	return getDevice(ctx, t.tx, devEUI)
}

func (t *postgresTx) PutDevice(ctx context.Context, device *Device) error {
	query := `
		INSERT INTO devices (
			dev_eui, app_eui, app_key, can_join, app, app_id,
			adr_power_index, adr_data_rate_index, adr_channel_mask,
			link_dev_addr, last_join_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dev_eui) DO UPDATE SET
			can_join = EXCLUDED.can_join,
			link_dev_addr = EXCLUDED.link_dev_addr,
			last_join_at = EXCLUDED.last_join_at`

	var linkBytes []byte
	if device.Link != nil {
		linkBytes = device.Link[:]
	}

	_, err := t.tx.ExecContext(ctx, query,
		device.DevEUI[:], device.AppEUI[:], device.AppKey[:], device.CanJoin, device.App, device.AppID,
		device.DesiredADR.PowerIndex, device.DesiredADR.DataRateIndex, device.DesiredADR.ChannelMask,
		linkBytes, device.LastJoinAt,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrDuplicateKey
	}
	return err
}

func getDevice(ctx context.Context, db execer, devEUI lorawan.EUI64) (*Device, error) {
	query := `
		SELECT dev_eui, app_eui, app_key, can_join, app, app_id,
		       adr_power_index, adr_data_rate_index, adr_channel_mask,
		       link_dev_addr, last_join_at
		FROM devices WHERE dev_eui = $1`

	device := &Device{}
	var devEUIBytes, appEUIBytes, appKeyBytes, linkBytes []byte

	err := db.QueryRowContext(ctx, query, devEUI[:]).Scan(
		&devEUIBytes, &appEUIBytes, &appKeyBytes, &device.CanJoin, &device.App, &device.AppID,
		&device.DesiredADR.PowerIndex, &device.DesiredADR.DataRateIndex, &device.DesiredADR.ChannelMask,
		&linkBytes, &device.LastJoinAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(device.DevEUI[:], devEUIBytes)
	copy(device.AppEUI[:], appEUIBytes)
	copy(device.AppKey[:], appKeyBytes)
	if len(linkBytes) == 4 {
		var addr lorawan.DevAddr
		copy(addr[:], linkBytes)
		device.Link = &addr
	}
	return device, nil
}

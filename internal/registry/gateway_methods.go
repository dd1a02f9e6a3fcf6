package registry

import (
	"context"
	"database/sql"
	"strings"

	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

func (r *PostgresRegistry) GetGateway(ctx context.Context, mac lorawan.EUI64) (*Gateway, error) {
	query := `
		SELECT mac, net_id, has_position, latitude, longitude, altitude,
		       first_seen_at, last_seen_at, rx_packets_received,
		       rx_packets_valid, tx_packets_emitted
		FROM gateways WHERE mac = $1`

	gw := &Gateway{}
	var macBytes, netIDBytes []byte

	err := r.db.QueryRowContext(ctx, query, mac[:]).Scan(
		&macBytes, &netIDBytes, &gw.HasPosition, &gw.Latitude, &gw.Longitude, &gw.Altitude,
		&gw.FirstSeenAt, &gw.LastSeenAt,
		&gw.Stats.RXPacketsReceived, &gw.Stats.RXPacketsValid, &gw.Stats.TXPacketsEmitted,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(gw.MAC[:], macBytes)
	copy(gw.NetID[:], netIDBytes)
	return gw, nil
}

func (r *PostgresRegistry) PutGateway(ctx context.Context, gw *Gateway) error {
	query := `
		INSERT INTO gateways (
			mac, net_id, has_position, latitude, longitude, altitude,
			first_seen_at, last_seen_at, rx_packets_received,
			rx_packets_valid, tx_packets_emitted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (mac) DO UPDATE SET
			has_position = EXCLUDED.has_position,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			altitude = EXCLUDED.altitude,
			last_seen_at = EXCLUDED.last_seen_at,
			rx_packets_received = EXCLUDED.rx_packets_received,
			rx_packets_valid = EXCLUDED.rx_packets_valid,
			tx_packets_emitted = EXCLUDED.tx_packets_emitted`

	_, err := r.db.ExecContext(ctx, query,
		gw.MAC[:], gw.NetID[:], gw.HasPosition, gw.Latitude, gw.Longitude, gw.Altitude,
		gw.FirstSeenAt, gw.LastSeenAt,
		gw.Stats.RXPacketsReceived, gw.Stats.RXPacketsValid, gw.Stats.TXPacketsEmitted,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrDuplicateKey
	}
	return err
}

func (r *PostgresRegistry) ListIgnoredLinks(ctx context.Context) ([]IgnoredLink, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT base, mask FROM ignored_links`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []IgnoredLink
	for rows.Next() {
		var baseBytes, maskBytes []byte
		if err := rows.Scan(&baseBytes, &maskBytes); err != nil {
			return nil, err
		}
		var il IgnoredLink
		copy(il.Base[:], baseBytes)
		copy(il.Mask[:], maskBytes)
		links = append(links, il)
	}
	return links, rows.Err()
}

package registry

import "context"

func (r *PostgresRegistry) AppendRxFrame(ctx context.Context, frame *RxFrame) error {
	query := `
		INSERT INTO rx_frames (
			gateway_mac, rssi, snr, frequency, data_rate, coding_rate,
			dev_addr, f_cnt_up, dev_status_battery, dev_status_margin, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	var battery *uint8
	var margin *int8
	if frame.DevStatus != nil {
		battery = &frame.DevStatus.Battery
		margin = &frame.DevStatus.Margin
	}

	_, err := r.db.ExecContext(ctx, query,
		frame.GatewayMAC[:], frame.RSSI, frame.SNR, frame.Frequency, frame.DataRate, frame.CodingRate,
		frame.DevAddr[:], frame.FCntUp, battery, margin, frame.ReceivedAt,
	)
	return err
}

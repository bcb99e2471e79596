package domain

import "time"

// Session representa una conexión autenticada y viva. Existe mientras dure la conexión.
type Session struct {
	ConnID      string    `json:"conn_id"`
	UserID      string    `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Identity es el resultado de verificar una credencial de handshake.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

package domain

import "encoding/json"

// Eventos entrantes.
const (
	EventPublishKey     = "publish_key"
	EventGetPublicKeys  = "get_public_keys"
	EventGetOnlineUsers = "get_online_users"
	EventPrivateMessage = "private_message"
)

// Eventos salientes.
const (
	EventUserConnected    = "user_connected"
	EventUserDisconnected = "user_disconnected"
	EventPublicKeysList   = "public_keys_list"
	EventOnlineUsersList  = "online_users_list"
	EventNewMessage       = "new_message"
)

// Frame es la unidad de transporte sobre el websocket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type PublishKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

type PublicKeysRequest struct {
	UserIDs []string `json:"userIds"`
}

type UserConnected struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey,omitempty"`
}

type UserDisconnected struct {
	UserID string `json:"userId"`
}

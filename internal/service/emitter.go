package service

import "errors"

var ErrConnectionNotFound = errors.New("connection not found")

// Emitter entrega eventos a conexiones vivas de este proceso.
// Emit devuelve ErrConnectionNotFound si el handle no es local.
// Broadcast llega a todas las conexiones salvo las de exceptUserID.
type Emitter interface {
	Emit(connID, event string, payload any) error
	Broadcast(exceptUserID, event string, payload any)
}

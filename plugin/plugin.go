package plugin

import (
	"github.com/blinklabs-io/boa/event"
)

type Plugin interface {
	Start() error
	Stop() error
	ErrorChan() <-chan error
	InputChan() chan<- event.Event
	OutputChan() <-chan event.Event
}

package iothub

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

var emptyJSONObject = []byte("{}")

// MethodResponse is the result of a direct method call. Body belongs to whoever
// receives the MethodResponse: it is allocated per call and never reused.
type MethodResponse struct {
	Status int
	Body   []byte
}

// Dispatcher routes direct method calls to the handlers of a MethodRegistry.
// It is not reentrant; calls must not overlap.
type Dispatcher struct {
	methods *MethodRegistry
	log     logrus.FieldLogger
}

// NewDispatcher returns a Dispatcher for methods.
func NewDispatcher(methods *MethodRegistry, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{methods: methods, log: log}
}

// Dispatch invokes the handler registered for name. Unknown methods get status 501
// and an empty JSON object without any handler being run.
func (d *Dispatcher) Dispatch(name string, payload []byte) MethodResponse {
	mlog := d.log.WithField("method", name)
	mlog.Trace("Method call received")

	h, ok := d.methods.Lookup(name)
	if !ok {
		mlog.Warn("Unregistered method called")
		return MethodResponse{Status: http.StatusNotImplemented, Body: copyBytes(emptyJSONObject)}
	}

	result, err := callMethod(h, name, payload)
	if err != nil {
		mlog.WithError(err).Error("Method handler panicked")
		return MethodResponse{Status: http.StatusInternalServerError, Body: copyBytes(emptyJSONObject)}
	}

	body := make([]byte, len(result))
	copy(body, result)
	return MethodResponse{Status: http.StatusOK, Body: body}
}

func callMethod(h MethodHandler, name string, payload []byte) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("iothub: method handler for %q panicked: %v", name, p)
		}
	}()
	return h(name, payload), nil
}

func copyBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

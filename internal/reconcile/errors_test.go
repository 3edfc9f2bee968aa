package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"wrapped deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), ClassTransient},
		{"network", &net.OpError{Op: "dial", Err: timeoutError{}}, ClassTransient},
		{"503", &StatusError{StatusCode: 503}, ClassTransient},
		{"500", &StatusError{StatusCode: 500}, ClassTransient},
		{"429", &StatusError{StatusCode: 429}, ClassTransient},
		{"400", &StatusError{StatusCode: 400}, ClassPermanent},
		{"404", &StatusError{StatusCode: 404}, ClassPermanent},
		{"no response, network cause", &StatusError{Err: &net.OpError{Op: "dial", Err: timeoutError{}}}, ClassTransient},
		{"malformed", fmt.Errorf("decode: %w", ErrMalformedResponse), ClassPermanent},
		{"transient sentinel", fmt.Errorf("x: %w", ErrTransient), ClassTransient},
		{"permanent sentinel", fmt.Errorf("x: %w", ErrPermanent), ClassPermanent},
		{"unknown", errors.New("boom"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestStatusErrorMessage(t *testing.T) {
	assert.Equal(t, "status 503", (&StatusError{StatusCode: 503}).Error())
	assert.Equal(t, "status 400: bad query", (&StatusError{StatusCode: 400, Err: errors.New("bad query")}).Error())
}

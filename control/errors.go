package control

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"signmesh/mesh"
)

var knownErrors = []error{
	ErrUnknownHost,
	mesh.ErrEmptyPayload,
	mesh.ErrHostStopped,
	mesh.ErrNotRunning,
	mesh.ErrNoKeys,
}

func mapRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, known := range knownErrors {
		if st.Message() == known.Error() {
			return known
		}
	}
	if st.Code() == codes.Unavailable {
		return fmt.Errorf("control: node unreachable: %w", err)
	}
	return err
}

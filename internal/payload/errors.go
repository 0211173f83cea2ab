package payload

import (
	"fmt"

	"github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/types"
)

const component = "payload"

func notFound(location string) error {
	return fmt.Errorf("%w: %s", types.ErrPayloadNotFound, location)
}

func storageError(code errors.ErrorCode, op, location string, cause error) error {
	return errors.Wrap(cause, code, "payload "+op+" failed").
		WithComponent(component).
		WithOperation(op).
		WithDetail("location", location)
}

// validLocation rejects locations that could escape a store's namespace.
func validLocation(location string) error {
	if location == "" || location == "." || location == ".." {
		return errors.NewError(errors.ErrCodeInvalidConfig, "invalid payload location").
			WithComponent(component).
			WithDetail("location", location)
	}
	for i := 0; i < len(location); i++ {
		switch location[i] {
		case '/', '\\', 0:
			return errors.NewError(errors.ErrCodeInvalidConfig, "invalid payload location").
				WithComponent(component).
				WithDetail("location", location)
		}
	}
	return nil
}

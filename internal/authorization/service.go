package authorization

import "context"

type Service interface {
	// Authorize checks whether the role may perform action on object.
	Authorize(ctx context.Context, actor string, role string, object string, action string) error
}

package provider

import (
	"context"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-multierror"
)

// LoadAs loads id through c and asserts the instance is a T. When it is not,
// the instance is unloaded again before ErrPluginLoadFailed is returned, so a
// failed typed load never leaves anything running.
func LoadAs[T any](ctx context.Context, c *Composite, id string, pctx *Context) (T, Handle, error) {
	var zero T

	h, err := c.LoadHandle(ctx, id, pctx)
	if err != nil {
		return zero, Handle{}, err
	}

	rec := c.running[h]
	if typed, ok := rec.value.(T); ok {
		return typed, h, nil
	}

	var loadErr error = fmt.Errorf("%w: instance %T is not a %s", ErrPluginLoadFailed, rec.value, typeName[T]())
	if uerr := c.Unload(ctx, h); uerr != nil {
		loadErr = multierror.Append(loadErr, uerr)
	}
	c.logger.Warn().Str("plugin", id).Str("provider", rec.providerName).Msgf("plugin instance %T rejected", rec.value)
	return zero, Handle{}, NewPluginError(id, "load", rec.providerName, loadErr)
}

func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

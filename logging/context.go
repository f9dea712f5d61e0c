package logging

import (
	"context"

	"go.viam.com/utils"
)

type debugKey struct{}

// EnableDebugMode marks ctx so that CDebug statements made with it are logged even when the
// logger's level is above DEBUG. The tag is attached to those statements; an empty tag gets a
// random one.
func EnableDebugMode(ctx context.Context, tag string) context.Context {
	if tag == "" {
		tag = utils.RandomAlphaString(6)
	}
	return context.WithValue(ctx, debugKey{}, tag)
}

// IsDebugMode reports whether ctx was marked with EnableDebugMode.
func IsDebugMode(ctx context.Context) bool {
	return debugTag(ctx) != ""
}

func debugTag(ctx context.Context) string {
	tag, _ := ctx.Value(debugKey{}).(string)
	return tag
}

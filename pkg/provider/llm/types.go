package llm

import "github.com/MrWong99/chorus/pkg/types"

// Message is an alias so callers of this package need not import pkg/types
// for the request shape.
type Message = types.Message

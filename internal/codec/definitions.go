package codec

import (
	"github.com/postalsys/bedrock-relay/internal/protocol"
)

// BlockState is one entry of a block palette.
type BlockState struct {
	Name      string
	RuntimeID uint32
}

// Item is one entry of an item table.
type Item struct {
	Name      string
	RuntimeID int16
}

// Definitions are the version-specific palettes installed alongside a
// codec. The relay hands them to listeners and does not read them itself.
type Definitions struct {
	GameVersion string
	Blocks      []BlockState
	Items       []Item
}

// DefinitionsProvider supplies the palettes for a codec.
type DefinitionsProvider interface {
	Definitions(c protocol.Codec) (Definitions, error)
}

// DefinitionsFunc adapts a function to DefinitionsProvider.
type DefinitionsFunc func(c protocol.Codec) (Definitions, error)

func (f DefinitionsFunc) Definitions(c protocol.Codec) (Definitions, error) { return f(c) }

// EmptyDefinitions returns definitions with no palettes.
type EmptyDefinitions struct{}

func (EmptyDefinitions) Definitions(c protocol.Codec) (Definitions, error) {
	return Definitions{GameVersion: c.GameVersion}, nil
}

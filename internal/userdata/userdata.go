// Package userdata renders the opaque user-data blob a pool boots its
// instances with. Rendering replaces {{NAME}} macros with values from the
// pool config plus a few internal variables.
package userdata

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/JustinTimperio/SpotFly/internal/state"
)

// Macro names populated by the manager itself.
const (
	MacroPoolID        = "SPOTFLY_POOLID"
	MacroCycleInterval = "SPOTFLY_CYCLETIME"
)

// Render expands the user-data of a flattened pool config. The pool's id
// and cycle interval are always available as macros; config-defined
// macros may override nothing but add freely.
func Render(pool *state.Pool, config *state.PoolConfig) ([]byte, error) {
	macros := map[string]string{
		MacroPoolID:        strconv.FormatInt(pool.ID, 10),
		MacroCycleInterval: strconv.FormatInt(config.CycleInterval, 10),
	}
	for name, value := range config.UserDataMacros {
		if _, builtin := macros[name]; builtin {
			continue
		}
		macros[name] = value
	}

	rendered := config.UserData
	for name, value := range macros {
		rendered = bytes.ReplaceAll(rendered, []byte("{{"+name+"}}"), []byte(value))
	}

	if len(bytes.TrimSpace(rendered)) == 0 {
		return nil, fmt.Errorf("failed to compile userdata")
	}
	return rendered, nil
}

package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type cache struct {
	mu     sync.RWMutex
	values map[string]any
	onces  map[string]*sync.Once
}

var (
	global = &cache{
		values: make(map[string]any),
		onces:  make(map[string]*sync.Once),
	}

	dotenvLoaded sync.Once
)

// Load parses environment variables into v based on its `env` field tags.
// The first call for a type does the parse; later calls return the cached
// value, so a type's config is immutable for the process lifetime.
func Load[T any](v *T) error {
	dotenvLoaded.Do(func() {
		// A missing .env file is fine; production sets real env vars.
		_ = godotenv.Load()
	})
	if v == nil {
		return ErrNilPointer
	}

	name := typeName[T]()

	global.mu.RLock()
	if cached, ok := global.values[name]; ok {
		*v = cached.(T)
		global.mu.RUnlock()
		return nil
	}
	global.mu.RUnlock()

	global.mu.Lock()
	once, ok := global.onces[name]
	if !ok {
		once = new(sync.Once)
		global.onces[name] = once
	}
	global.mu.Unlock()

	var err error
	once.Do(func() {
		if parseErr := env.Parse(v); parseErr != nil {
			err = errors.Join(ErrParsingConfig, parseErr)
			return
		}
		global.mu.Lock()
		global.values[name] = *v
		global.mu.Unlock()
	})
	if err != nil {
		return err
	}

	global.mu.RLock()
	defer global.mu.RUnlock()
	if cached, ok := global.values[name]; ok {
		*v = cached.(T)
		return nil
	}
	// The once ran in another goroutine and failed there.
	return ErrConfigNotLoaded
}

// MustLoad is Load for configs the process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}

func typeName[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return fmt.Sprintf("%T", *new(T))
	}
	return t.String()
}

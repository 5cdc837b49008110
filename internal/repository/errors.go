package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrAlreadyExists indicates a uniqueness violation, e.g. a duplicate domain name.
var ErrAlreadyExists = errors.New("repository: already exists")

// ErrInvalidArgument indicates the entity failed a database constraint.
var ErrInvalidArgument = errors.New("repository: invalid argument")

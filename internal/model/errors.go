package model

import "errors"

var (
	MalformedUrlError     = errors.New("malformed url")
	NoRootDomainError     = errors.New("could not determine root domain")
	EmptyRequestError     = errors.New("empty request")
	TooManyDocumentsError = errors.New("too many documents")
)

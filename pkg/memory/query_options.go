package memory

// queryOptions accumulates options for [Store.Query].
// Unexported. Callers configure it via [QueryOpt] functional options.
type queryOptions struct {
	types         []Type
	tags          []string
	limit         int
	minConfidence float64
}

// QueryOpt is a functional option for [Store.Query].
type QueryOpt func(*queryOptions)

// WithTypes restricts results to memories of the given types. An empty list
// (the default) matches all types.
func WithTypes(types ...Type) QueryOpt {
	return func(o *queryOptions) { o.types = append(o.types, types...) }
}

// WithTags restricts results to memories carrying at least one of the given
// tags. An empty list (the default) matches all memories.
func WithTags(tags ...string) QueryOpt {
	return func(o *queryOptions) { o.tags = append(o.tags, tags...) }
}

// WithLimit caps the number of results returned.
// A value of 0 means the implementation may apply its own default.
func WithLimit(n int) QueryOpt {
	return func(o *queryOptions) { o.limit = n }
}

// WithMinConfidence excludes memories below the given confidence.
func WithMinConfidence(c float64) QueryOpt {
	return func(o *queryOptions) { o.minConfidence = c }
}

// QueryParams holds the resolved parameters from a slice of [QueryOpt].
type QueryParams struct {
	Types         []Type
	Tags          []string
	Limit         int
	MinConfidence float64
}

// ApplyQueryOpts resolves a slice of [QueryOpt] into a [QueryParams]. This
// helper lets storage backends read the option values without access to the
// unexported [queryOptions] type.
func ApplyQueryOpts(opts []QueryOpt) QueryParams {
	o := &queryOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return QueryParams{
		Types:         o.types,
		Tags:          o.tags,
		Limit:         o.limit,
		MinConfidence: o.minConfidence,
	}
}

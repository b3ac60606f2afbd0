package store

// NewS3StoreWithClient exposes the client-injecting constructor to tests.
var NewS3StoreWithClient = newS3StoreWithClient

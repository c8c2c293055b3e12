// Package engine is an in-process Harmony encoding engine: the o200k
// tokenizer from tiktoken-go plus the Harmony special tokens and prompt
// layout. Library exposes it through the native capability surface and
// registers itself as the "inproc" backend.
//
// The vocabulary is resolved by Loader: a local directory, or a download
// cache guarded by a lock file and verified by SHA-256. The TIKTOKEN_*
// environment variables are honoured when the options leave a field empty.
package engine

package ingest

import "github.com/marko911/block-reader/internal/source"

// SelfTestBlock is the block fetched by SelfTestSource runs.
const SelfTestBlock uint64 = 12345

// SelfTestSource is the fixed source exercised by self-test mode: Avail
// mainnet through the substrate client.
func SelfTestSource() source.Descriptor {
	return source.Descriptor{
		ID:       "self-test-avail",
		Kind:     source.KindSDK,
		ChainID:  0,
		Endpoint: "wss://mainnet.avail-rpc.com/",
		SDK:      &source.SDKParams{Client: source.ClientSubstrate},
	}
}

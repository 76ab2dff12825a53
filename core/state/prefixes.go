package state

var (
	accountPrefix    = []byte("acct/")
	escrowPrefix     = []byte("escrow/record/")
	custodyPrefix    = []byte("escrow/custody/")
	versionPrefix    = []byte("ver/")
	genesisMarkerKey = []byte("meta/genesis")
)

func prefixed(prefix, id []byte) []byte {
	buf := make([]byte, len(prefix)+len(id))
	copy(buf, prefix)
	copy(buf[len(prefix):], id)
	return buf
}

func versionKey(key string) []byte {
	return prefixed(versionPrefix, []byte(key))
}

package sshtrans

import (
	"crypto"
	"io"
	"math/big"

	log "github.com/fangdingjun/go-log/v5"
	"github.com/pkg/errors"
)

// kexInitMsg is the body of KEXINIT in wire order, RFC 4253 section 7.1.
type kexInitMsg struct {
	Cookie          []byte
	KexAlgos        []string
	HostKeyAlgos    []string
	CiphersC2S      []string
	CiphersS2C      []string
	MACsC2S         []string
	MACsS2C         []string
	CompressionC2S  []string
	CompressionS2C  []string
	LanguagesC2S    []string
	LanguagesS2C    []string
	FirstKexFollows bool
	Reserved        uint32
}

func (k *kexInitMsg) marshal() *Message {
	m := newMessageType(msgKexInit)
	m.AddBytes(k.Cookie)
	for _, l := range [][]string{
		k.KexAlgos, k.HostKeyAlgos,
		k.CiphersC2S, k.CiphersS2C,
		k.MACsC2S, k.MACsS2C,
		k.CompressionC2S, k.CompressionS2C,
		k.LanguagesC2S, k.LanguagesS2C,
	} {
		m.AddList(l)
	}
	m.AddBoolean(k.FirstKexFollows)
	m.AddUint32(k.Reserved)
	return m
}

// parseKexInitMsg reads a KEXINIT whose type byte was already consumed.
func parseKexInitMsg(m *Message) (*kexInitMsg, error) {
	k := &kexInitMsg{}
	var err error
	if k.Cookie, err = m.ReadBytes(16); err != nil {
		return nil, err
	}
	for _, l := range []*[]string{
		&k.KexAlgos, &k.HostKeyAlgos,
		&k.CiphersC2S, &k.CiphersS2C,
		&k.MACsC2S, &k.MACsS2C,
		&k.CompressionC2S, &k.CompressionS2C,
		&k.LanguagesC2S, &k.LanguagesS2C,
	} {
		if *l, err = m.ReadList(); err != nil {
			return nil, err
		}
	}
	if k.FirstKexFollows, err = m.ReadBoolean(); err != nil {
		return nil, err
	}
	if k.Reserved, err = m.ReadUint32(); err != nil {
		return nil, err
	}
	return k, nil
}

// agree returns the first entry of client that server also lists.
func agree(client, server []string) string {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c
			}
		}
	}
	return ""
}

// agreement is the algorithm set chosen for one exchange.
type agreement struct {
	kex          string
	hostKey      string
	localCipher  string
	remoteCipher string
	localMAC     string
	remoteMAC    string
}

// negotiate intersects both proposals. The client's preference order wins
// in every category.
func negotiate(local, remote *kexInitMsg, isServer bool) (*agreement, error) {
	client, server := local, remote
	if isServer {
		client, server = remote, local
	}
	if agree(supportedCompressions, client.CompressionC2S) == "" ||
		agree(supportedCompressions, client.CompressionS2C) == "" ||
		agree(supportedCompressions, server.CompressionC2S) == "" ||
		agree(supportedCompressions, server.CompressionS2C) == "" {
		return nil, &AlgorithmError{Category: "compression"}
	}

	a := &agreement{
		kex:     agree(client.KexAlgos, server.KexAlgos),
		hostKey: agree(client.HostKeyAlgos, server.HostKeyAlgos),
	}
	if a.kex == "" {
		return nil, &AlgorithmError{Category: "kex algorithm"}
	}
	if a.hostKey == "" {
		return nil, &AlgorithmError{Category: "host key"}
	}

	c2s := agree(client.CiphersC2S, server.CiphersC2S)
	s2c := agree(client.CiphersS2C, server.CiphersS2C)
	if c2s == "" || s2c == "" {
		return nil, &AlgorithmError{Category: "ciphers"}
	}
	macC2S := agree(client.MACsC2S, server.MACsC2S)
	macS2C := agree(client.MACsS2C, server.MACsS2C)
	if macC2S == "" || macS2C == "" {
		return nil, &AlgorithmError{Category: "macs"}
	}

	if isServer {
		a.localCipher, a.remoteCipher = s2c, c2s
		a.localMAC, a.remoteMAC = macS2C, macC2S
	} else {
		a.localCipher, a.remoteCipher = c2s, s2c
		a.localMAC, a.remoteMAC = macC2S, macS2C
	}
	return a, nil
}

// deriveKey expands K, H and the session id into n bytes of key material
// for purpose letter, RFC 4253 section 7.2.
func deriveKey(hash crypto.Hash, k *big.Int, h, sessionID []byte, letter byte, n int) []byte {
	out := make([]byte, 0, n)
	d := hash.New()
	for len(out) < n {
		d.Reset()
		d.Write(marshalMPInt(k))
		d.Write(h)
		if len(out) == 0 {
			d.Write([]byte{letter})
			d.Write(sessionID)
		} else {
			d.Write(out)
		}
		sum := d.Sum(nil)
		if rest := n - len(out); len(sum) > rest {
			sum = sum[:rest]
		}
		out = append(out, sum...)
	}
	return out
}

func (t *Transport) localKexInitMsg() (*kexInitMsg, error) {
	cookie := make([]byte, 16)
	if _, err := io.ReadFull(t.crypto.Rand(), cookie); err != nil {
		return nil, errors.Wrap(err, "sshtrans: kexinit cookie")
	}
	return &kexInitMsg{
		Cookie:         cookie,
		KexAlgos:       t.conf.Kex,
		HostKeyAlgos:   t.role.hostKeyAlgorithms(t),
		CiphersC2S:     t.conf.Ciphers,
		CiphersS2C:     t.conf.Ciphers,
		MACsC2S:        t.conf.MACs,
		MACsS2C:        t.conf.MACs,
		CompressionC2S: supportedCompressions,
		CompressionS2C: supportedCompressions,
		LanguagesC2S:   []string{},
		LanguagesS2C:   []string{},
	}, nil
}

func (t *Transport) currentLocalKexInit() []byte {
	t.kexMu.Lock()
	defer t.kexMu.Unlock()
	return t.localKexInit
}

// sendKexInit starts a key exchange round. It is a no-op while a round
// started by this side is still in flight.
func (t *Transport) sendKexInit() error {
	_, err := t.beginKex(nil)
	return err
}

// beginKex sends KEXINIT unless a round is already in flight. A non-nil
// done becomes the completion event of the round that finishes next.
// started reports whether a new round was begun.
func (t *Transport) beginKex(done *Event) (started bool, err error) {
	t.clearMu.Lock()
	t.clearToSend.Clear()
	t.clearMu.Unlock()

	t.kexMu.Lock()
	if done != nil {
		t.mu.Lock()
		t.kexDone = done
		t.mu.Unlock()
	}
	if t.localKexInit != nil {
		t.kexMu.Unlock()
		return false, nil
	}
	k, err := t.localKexInitMsg()
	if err != nil {
		t.kexMu.Unlock()
		return false, err
	}
	t.localProposal = k
	m := k.marshal()
	t.localKexInit = m.Bytes()
	t.inKex.Store(true)
	t.kexMu.Unlock()

	return true, t.sendMessage(m)
}

func (t *Transport) parseKexInit(m *Message) error {
	t.clearMu.Lock()
	t.clearToSend.Clear()
	t.clearMu.Unlock()

	if t.currentLocalKexInit() == nil {
		if err := t.sendKexInit(); err != nil {
			return err
		}
	}

	remote, err := parseKexInitMsg(m)
	if err != nil {
		return errors.Wrap(err, "sshtrans: parse kexinit")
	}
	t.kexMu.Lock()
	local := t.localProposal
	t.kexMu.Unlock()

	a, err := negotiate(local, remote, t.role.isServer())
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.agreed = *a
	t.mu.Unlock()
	if err := t.role.kexInitHook(t); err != nil {
		return err
	}
	log.Debugf("using kex %s; host key %s; cipher: local %s, remote %s; mac: local %s, remote %s",
		a.kex, a.hostKey, a.localCipher, a.remoteCipher, a.localMAC, a.remoteMAC)

	// peers may pad KEXINIT with bytes past the parsed fields, those are
	// not part of the exchange hash
	t.remoteKexInit = append([]byte(nil), m.Bytes()[:m.Position()]...)

	newKex, ok := kexAlgorithms[a.kex]
	if !ok {
		return errors.Wrapf(ErrUnknownKex, "%s", a.kex)
	}
	t.kexAlgo = newKex()
	t.kexHash = t.kexAlgo.Hash()
	return t.kexAlgo.Start(kexHandle{t}, t.crypto)
}

func (t *Transport) setKH(k *big.Int, h []byte) {
	t.k = k
	t.h = h
	t.mu.Lock()
	if t.sessionID == nil {
		t.sessionID = h
	}
	t.mu.Unlock()
}

func (t *Transport) computeKey(letter byte, n int) []byte {
	t.mu.Lock()
	sid := t.sessionID
	t.mu.Unlock()
	return deriveKey(t.kexHash, t.k, t.h, sid, letter, n)
}

// newKeys builds one direction's cipher and MAC from the purpose letters
// iv, key and mac.
func (t *Transport) newKeys(cipherName, macName string, letters [3]byte, decrypt bool) (*keySet, error) {
	cs, ok := cipherModes[cipherName]
	if !ok {
		return nil, errors.Errorf("sshtrans: unknown cipher %q", cipherName)
	}
	ms, ok := macModes[macName]
	if !ok {
		return nil, errors.Errorf("sshtrans: unknown mac %q", macName)
	}
	iv := t.computeKey(letters[0], cs.blockSize)
	key := t.computeKey(letters[1], cs.keySize)
	mode, err := t.crypto.NewCipher(cipherName, key, iv, decrypt)
	if err != nil {
		return nil, err
	}
	mac, size, err := t.crypto.NewMAC(macName, t.computeKey(letters[2], ms.keySize))
	if err != nil {
		return nil, err
	}
	return &keySet{mode: mode, blockSize: cs.blockSize, mac: mac, macSize: size}, nil
}

func (t *Transport) activateOutbound() error {
	if err := t.sendMessage(newMessageType(msgNewKeys)); err != nil {
		return err
	}
	ks, err := t.newKeys(t.agreed.localCipher, t.agreed.localMAC, t.role.outboundLetters(), false)
	if err != nil {
		return err
	}
	t.stream.SetOutboundCipher(ks.mode, ks.blockSize, ks.mac, ks.macSize)
	if !t.stream.NeedRekey() {
		t.inKex.Store(false)
	}
	t.expected = msgNewKeys
	return nil
}

func (t *Transport) activateInbound() error {
	ks, err := t.newKeys(t.agreed.remoteCipher, t.agreed.remoteMAC, t.role.inboundLetters(), true)
	if err != nil {
		return err
	}
	t.stream.SetInboundCipher(ks.mode, ks.blockSize, ks.mac, ks.macSize)
	return nil
}

func (t *Transport) parseNewKeys() error {
	log.Debugln("switch to new keys")
	if err := t.activateInbound(); err != nil {
		return err
	}

	// the completion event is cleared together with the round, a later
	// beginKex installs a fresh one
	t.kexMu.Lock()
	t.localKexInit = nil
	t.localProposal = nil
	t.mu.Lock()
	done := t.kexDone
	t.kexDone = nil
	t.mu.Unlock()
	t.kexMu.Unlock()
	t.remoteKexInit = nil
	t.kexAlgo = nil
	t.k = nil

	t.role.newKeysHook(t)
	t.initialKexDone = true
	kexCompleted.Inc()
	if done != nil {
		done.Set()
	}

	if t.stream.NeedRekey() {
		log.Debugln("rekey still due after new keys, starting another exchange")
		return t.sendKexInit()
	}
	t.inKex.Store(false)
	t.clearMu.Lock()
	defer t.clearMu.Unlock()
	t.clearToSend.Set()
	return t.flushRepliesLocked()
}

package focus

import (
	"context"
	"sort"
	"sync"

	"mellium.im/xmpp/jid"
)

// RoomEventKind enumerates the room events a Room pushes to its listeners
// (spec.md §6).
type RoomEventKind int

const (
	RoomDestroyed RoomEventKind = iota
	MemberJoined
	MemberLeft
	MemberKicked
	LocalRoleChanged
	NumAudioSendersChanged
	NumVideoSendersChanged
	StartMutedChanged
	TranscribingEnabledChanged
)

// MemberPresence is what a room reports about one occupant (spec.md §6,
// "Member presence").
type MemberPresence struct {
	Nickname      string
	Role          Role
	StatsID       string
	Region        string
	AudioMuted    bool
	VideoMuted    bool
	DesktopMuted  bool
	IsRecorder    bool
	IsTranscriber bool
	IsSIPGateway  bool
	Caps          string // entity-capabilities hash
	Status        string // used to detect "switching to breakout"
}

// IsTrustedComponent reports whether this presence belongs to a recorder,
// transcriber, or SIP gateway (spec.md §4.1's force-mute exemption).
func (p MemberPresence) IsTrustedComponent() bool {
	return p.IsRecorder || p.IsTranscriber || p.IsSIPGateway
}

// RoomEvent is the tagged union of events a Room delivers to a listener.
type RoomEvent struct {
	Kind     RoomEventKind
	Member   jid.JID
	Presence MemberPresence
	Role     Role // LocalRoleChanged
	Count    int  // Num{Audio,Video}SendersChanged
	Flag     bool // StartMutedChanged / TranscribingEnabledChanged
}

// Room is the signaling-transport collaborator (spec.md §6): a handle on
// one multi-user chat room. The wire-level transport and presence encoding
// are out of scope; this is the interface the coordinator programs against.
type Room interface {
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	AddListener(ch chan<- RoomEvent)
	Members() []jid.JID
	ChatMember(full jid.JID) (MemberPresence, bool)
	SetPresenceExtension(key, value string)
	AddPresenceExtensions(ext map[string]string)
	AudioSendersCount() int
	VideoSendersCount() int
	IsMemberAllowedToUnmute(target jid.JID, kind MediaKind) bool
	LobbyEnabled() bool
	VisitorsEnabled() bool
	ParticipantsSoftLimit() int
	RoomJID() jid.JID
}

// fakeRoom is an in-memory Room used by tests in place of a real XMPP MUC
// adapter; it implements exactly the interface a real adapter would.
type fakeRoom struct {
	mu sync.Mutex

	jid       jid.JID
	members   map[string]MemberPresence // key: full jid string
	listeners []chan<- RoomEvent

	audioSenders, videoSenders int
	lobby, visitors            bool
	softLimit                  int
	unmuteWhitelist            map[string]struct{} // key: target jid string + ":" + kind
	presenceExt                map[string]string
	joined                     bool
}

func newFakeRoom(room jid.JID) *fakeRoom {
	return &fakeRoom{
		jid:             room,
		members:         make(map[string]MemberPresence),
		unmuteWhitelist: make(map[string]struct{}),
		presenceExt:     make(map[string]string),
	}
}

func (f *fakeRoom) Join(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = true
	return nil
}

func (f *fakeRoom) Leave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = false
	return nil
}

func (f *fakeRoom) AddListener(ch chan<- RoomEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, ch)
}

func (f *fakeRoom) emit(ev RoomEvent) {
	f.mu.Lock()
	listeners := append([]chan<- RoomEvent(nil), f.listeners...)
	f.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// addMember registers a member and emits MemberJoined, the way a real
// adapter would on receiving MUC presence for a new occupant.
func (f *fakeRoom) addMember(full jid.JID, presence MemberPresence) {
	f.mu.Lock()
	f.members[full.String()] = presence
	f.mu.Unlock()
	f.emit(RoomEvent{Kind: MemberJoined, Member: full, Presence: presence})
}

// removeMember deregisters a member and emits MemberLeft.
func (f *fakeRoom) removeMember(full jid.JID) {
	f.mu.Lock()
	delete(f.members, full.String())
	f.mu.Unlock()
	f.emit(RoomEvent{Kind: MemberLeft, Member: full})
}

func (f *fakeRoom) Members() []jid.JID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]jid.JID, 0, len(f.members))
	keys := make([]string, 0, len(f.members))
	for k := range f.members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		j, _ := jid.Parse(k)
		out = append(out, j)
	}
	return out
}

func (f *fakeRoom) ChatMember(full jid.JID) (MemberPresence, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.members[full.String()]
	return p, ok
}

func (f *fakeRoom) SetPresenceExtension(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presenceExt[key] = value
}

func (f *fakeRoom) AddPresenceExtensions(ext map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range ext {
		f.presenceExt[k] = v
	}
}

func (f *fakeRoom) AudioSendersCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioSenders
}

func (f *fakeRoom) VideoSendersCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.videoSenders
}

func (f *fakeRoom) IsMemberAllowedToUnmute(target jid.JID, kind MediaKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.unmuteWhitelist[target.String()+":"+string(kind)]
	return ok
}

func (f *fakeRoom) allowUnmute(target jid.JID, kind MediaKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmuteWhitelist[target.String()+":"+string(kind)] = struct{}{}
}

func (f *fakeRoom) LobbyEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lobby
}

func (f *fakeRoom) VisitorsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visitors
}

func (f *fakeRoom) ParticipantsSoftLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.softLimit
}

func (f *fakeRoom) RoomJID() jid.JID { return f.jid }

package main

import (
	"fmt"

	"github.com/p2panda/dcgka-core/pkg/dcgka"
	"github.com/p2panda/dcgka-core/pkg/keys"
	"github.com/p2panda/dcgka-core/pkg/member"
	"github.com/p2panda/dcgka-core/pkg/wire"
)

// participant is one demo member: its own identity, pre-key collaborators,
// and DCGKA state. A real node would persist this across invocations; this
// demonstration harness keeps everything in one process run.
type participant struct {
	name  string
	id    member.ID
	dcgka *dcgka.State
}

func newParticipant(name string) (*participant, error) {
	mgr, err := keys.Init()
	if err != nil {
		return nil, fmt.Errorf("init identity for %s: %w", name, err)
	}
	id := member.ID(mgr.IdentityPublicKey())
	registry := keys.InitRegistry()
	return &participant{
		name:  name,
		id:    id,
		dcgka: dcgka.Init(id, mgr, registry, nil),
	}, nil
}

// exchangeBundle simulates the out-of-band pre-key bundle distribution
// spec.md §1 treats as external: to generates a fresh one-time bundle and
// hands it to from, who registers it under to's identity so from's next
// sendDirect can initiate a 2SM handshake toward to.
func exchangeBundle(from, to *participant) error {
	bundle, err := to.dcgka.Manager.GenerateOnetimeBundle()
	if err != nil {
		return fmt.Errorf("generate pre-key bundle for %s: %w", to.name, err)
	}
	from.dcgka.Registry.AddOnetimeBundle(keys.PublicKey(to.id), bundle)
	return nil
}

// newParticipants builds len(names) participants and has every pair
// pre-exchange pre-key bundles in both directions, so any one of them can
// later act as the sender of an Add, Remove, or Update (not only the group
// creator).
func newParticipants(names []string) ([]*participant, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one member name is required")
	}
	members := make([]*participant, 0, len(names))
	for _, name := range names {
		p, err := newParticipant(name)
		if err != nil {
			return nil, err
		}
		members = append(members, p)
	}
	for _, from := range members {
		for _, to := range members {
			if from == to {
				continue
			}
			if err := exchangeBundle(from, to); err != nil {
				return nil, err
			}
		}
	}
	return members, nil
}

// bootstrapGroup creates a fresh group with creator as members[0] and every
// other name as an initial member, running Create and folding the result
// into every other participant's state via ProcessRemote.
func bootstrapGroup(names []string) ([]*participant, error) {
	members, err := newParticipants(names)
	if err != nil {
		return nil, err
	}
	creator := members[0]
	others := members[1:]

	initialIDs := make([]member.ID, len(others))
	for i, p := range others {
		initialIDs[i] = p.id
	}

	ctrl, directs, creatorSecret, err := creator.dcgka.Create(initialIDs)
	if err != nil {
		return nil, fmt.Errorf("%s: Create: %w", creator.name, err)
	}
	logger.Infof("%s created group with members %v (update secret %x)", creator.name, names, creatorSecret[:4])

	for _, p := range others {
		out, err := p.dcgka.ProcessRemote(ctrl, directs)
		if err != nil {
			return nil, fmt.Errorf("%s: ProcessRemote(Create): %w", p.name, err)
		}
		if out.SenderUpdateSecret == nil || *out.SenderUpdateSecret != creatorSecret {
			return nil, fmt.Errorf("%s did not converge on the creator's update secret", p.name)
		}
	}
	return members, nil
}

func findParticipant(members []*participant, name string) (*participant, error) {
	for _, p := range members {
		if p.name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown member %q", name)
}

// addMember runs adder.dcgka.Add(newMember) and folds the resulting
// control/direct messages into every other existing member plus the new
// member itself, returning the new member's participant.
func addMember(members []*participant, adderName, newName string) (*participant, error) {
	adder, err := findParticipant(members, adderName)
	if err != nil {
		return nil, err
	}

	newMember, err := newParticipant(newName)
	if err != nil {
		return nil, err
	}
	// Every existing member, not only the adder, sends the new member a
	// direct message of its own once it folds in the Add (a Forward
	// carrying that member's current ratchet position), so each of them
	// needs a pre-key bundle for the new member registered up front too.
	for _, existing := range members {
		if err := exchangeBundle(existing, newMember); err != nil {
			return nil, err
		}
	}

	ctrl, welcome, _, err := adder.dcgka.Add(newMember.id)
	if err != nil {
		return nil, fmt.Errorf("%s: Add(%s): %w", adder.name, newName, err)
	}

	for _, p := range members {
		if p == adder {
			continue
		}
		directs := []wire.DirectMessage{welcome}
		if _, err := p.dcgka.ProcessRemote(ctrl, directs); err != nil {
			return nil, fmt.Errorf("%s: ProcessRemote(Add): %w", p.name, err)
		}
	}

	if _, err := newMember.dcgka.ProcessRemote(ctrl, []wire.DirectMessage{welcome}); err != nil {
		return nil, fmt.Errorf("%s: ProcessRemote(Add, self): %w", newMember.name, err)
	}

	logger.Infof("%s added %s to the group", adder.name, newName)
	return newMember, nil
}

// removeMember runs remover.dcgka.Remove(removedName) and folds the
// resulting control message into every other remaining member.
func removeMember(members []*participant, removerName, removedName string) error {
	remover, err := findParticipant(members, removerName)
	if err != nil {
		return err
	}
	removed, err := findParticipant(members, removedName)
	if err != nil {
		return err
	}

	ctrl, directs, _, err := remover.dcgka.Remove(removed.id)
	if err != nil {
		return fmt.Errorf("%s: Remove(%s): %w", remover.name, removedName, err)
	}

	for _, p := range members {
		if p == remover || p == removed {
			continue
		}
		if _, err := p.dcgka.ProcessRemote(ctrl, directs); err != nil {
			return fmt.Errorf("%s: ProcessRemote(Remove): %w", p.name, err)
		}
	}

	logger.Infof("%s removed %s from the group", remover.name, removedName)
	return nil
}

package channel

import (
	"time"

	"github.com/collabvm/collabvm-server/pkg/protocol"
)

// Vote records a member's reset vote, starting a vote when none is
// running. Changing sides retallies; repeating the same vote is a no-op.
func (c *Channel) Vote(s Sender, yes bool) {
	data, ok := c.users[s]
	if !ok {
		return
	}

	if !c.voteActive {
		vt := c.voteTime()
		if vt <= 0 || !yes {
			// A "no" vote cannot start a vote.
			return
		}
		c.voteActive = true
		c.voteYes = 0
		c.voteNo = 0
		c.voteDeadline = c.now().Add(vt)
		gen := c.voteGen
		c.voteTimer = time.AfterFunc(vt, func() {
			c.dispatch(func() {
				c.endVote(gen)
			})
		})
	}

	if data.voted {
		if data.votedYes == yes {
			return
		}
		if data.votedYes {
			c.voteYes--
		} else {
			c.voteNo--
		}
	}
	data.voted = true
	data.votedYes = yes
	if yes {
		c.voteYes++
	} else {
		c.voteNo++
	}
	c.broadcastVoteStatus()
}

func (c *Channel) broadcastVoteStatus() {
	remaining := c.voteDeadline.Sub(c.now())
	if remaining < 0 {
		remaining = 0
	}
	c.Broadcast(protocol.EncodeVoteStatus(
		c.id, uint32(remaining.Milliseconds()), c.voteYes, c.voteNo))
}

func (c *Channel) endVote(gen uint64) {
	if gen != c.voteGen || !c.voteActive {
		return
	}
	passed := c.voteYes > c.voteNo
	c.cancelVote()
	c.Broadcast(protocol.EncodeVoteResult(c.id, passed))
	if c.onVoteEnd != nil {
		c.onVoteEnd(passed)
	}
}

func (c *Channel) cancelVote() {
	c.voteGen++
	if c.voteTimer != nil {
		c.voteTimer.Stop()
		c.voteTimer = nil
	}
	c.voteActive = false
	for _, data := range c.users {
		data.voted = false
	}
}

package counter

// Apply computes the state that results from running cmd against s. It is a pure
// function: s is not modified and the result never aliases it.
//
// changed is false when the command had no observable effect (decrement at zero,
// visibility toggle while a line length is shown, setting a value to what it already
// is). Version is bumped only when changed is true.
func Apply(s State, cmd Command) (next State, changed bool, err error) {
	if err := cmd.Validate(); err != nil {
		return s.Clone(), false, err
	}

	next = s.Clone()
	switch cmd.Kind {
	case KindIncrement:
		if cmd.Target == CountMember {
			next.MemberCount++
		} else {
			next.NonMemberCount++
		}

	case KindDecrement:
		if cmd.Target == CountMember {
			next.MemberCount = decrement(next.MemberCount)
		} else {
			next.NonMemberCount = decrement(next.NonMemberCount)
		}

	case KindReset:
		next.MemberCount = 0
		next.NonMemberCount = 0

	case KindToggleVisibility:
		// The display modes are exclusive; while a line length is shown the numeric
		// display stays hidden no matter what the client asks for.
		if !next.LineLength.Shown() {
			next.Visible = cmd.Visible
		}

	case KindUpdateLineLength:
		l, _ := ParseLineLength(string(cmd.LineLength))
		next.LineLength = l
		if l.Shown() {
			next.Visible = false
		}

	case KindUpdateMaxCapacity:
		capacity := cmd.MaxCapacity
		if capacity < 0 {
			capacity = 0
		}
		next.MaxCapacity = &capacity
	}

	if next.Equal(s) {
		return s.Clone(), false, nil
	}
	next.Version = s.Version + 1
	return next, true, nil
}

func decrement(n int) int {
	if n <= 0 {
		return 0
	}
	return n - 1
}

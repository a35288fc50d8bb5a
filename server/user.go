package server

// User identifies a resolved mailbox account within a session or transaction.
type User struct {
	Address   Address
	accountID int64
}

func NewUser(address Address, accountID int64) *User {
	return &User{Address: address, accountID: accountID}
}

func (u *User) AccountID() int64 {
	return u.accountID
}

func (u *User) FullAddress() string {
	return u.Address.FullAddress()
}

func (u *User) Domain() string {
	return u.Address.Domain()
}

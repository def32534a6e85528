package database

import "golang.org/x/crypto/bcrypt"

// bcryptCost is lowered by tests.
var bcryptCost = bcrypt.DefaultCost

// ErrPasswordTooLong is returned by Register for passwords bcrypt cannot
// hash (longer than 72 bytes).
var ErrPasswordTooLong = bcrypt.ErrPasswordTooLong

func hashPassword(passwd string) (string, error) {
	return hashPasswordCost(passwd, bcryptCost)
}

func hashPasswordCost(passwd string, cost int) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), cost)
	return string(passwdHash), err
}

func verifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}
